package api

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/sells-group/leadsync/internal/model"
)

type errorBody struct {
	Error string          `json:"error"`
	Code  model.ErrorCode `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("api: encode response", zap.Error(err))
	}
}

// statusFor maps a domain error code to an HTTP status.
func statusFor(code model.ErrorCode) int {
	switch code {
	case model.CodeNotFound:
		return http.StatusNotFound
	case model.CodeConflict, model.CodeAlreadyConverted:
		return http.StatusConflict
	case model.CodeValidation:
		return http.StatusBadRequest
	case model.CodeMissingEmail:
		return http.StatusUnprocessableEntity
	case model.CodeTimeout:
		return http.StatusGatewayTimeout
	case model.CodeFetch, model.CodeParse:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err. Unclassified errors are logged and hidden.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := model.CodeOf(err)
	status := statusFor(code)
	msg := err.Error()
	if code == "" {
		zap.L().Error("api: request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		msg = http.StatusText(status)
	}
	writeJSON(w, status, errorBody{Error: msg, Code: code})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: msg, Code: model.CodeValidation})
}

func decodeBody(r *http.Request, v any) error {
	if r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
