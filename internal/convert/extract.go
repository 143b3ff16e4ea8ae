package convert

import (
	"strings"

	"github.com/sells-group/leadsync/internal/model"
)

// ExtractContact pulls contact attributes out of a lead's field bag using the
// header alias lists in priority order. The email is normalized; it is empty
// when no alias carries a value that looks like an address.
func ExtractContact(fields model.Fields) model.ContactAttrs {
	email := model.NormalizeEmail(fields.Lookup(model.EmailHeaders...))
	if !looksLikeEmail(email) {
		email = ""
	}
	return model.ContactAttrs{
		Email:   email,
		Name:    fields.Lookup(model.NameHeaders...),
		Company: fields.Lookup(model.CompanyHeaders...),
		Title:   fields.Lookup(model.TitleHeaders...),
		Phone:   fields.Lookup(model.PhoneHeaders...),
		Source:  model.ContactSourceLeadConversion,
	}
}

func looksLikeEmail(s string) bool {
	at := strings.LastIndexByte(s, '@')
	return at > 0 && at < len(s)-1 && !strings.ContainsAny(s, " \t")
}
