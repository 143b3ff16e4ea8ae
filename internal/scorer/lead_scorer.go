package scorer

import (
	"strings"

	"github.com/sells-group/leadsync/internal/model"
)

var channelPoints = map[string]int{
	"referral":     90,
	"website":      70,
	"social media": 60,
	"email":        50,
	"cold call":    40,
	"other":        30,
}

var outcomePoints = map[string]int{
	"qualified":      50,
	"interested":     40,
	"follow-up":      30,
	"not interested": 0,
}

const (
	defaultChannelPoints = 30
	defaultOutcomePoints = 20
)

// Breakdown is a score with its components.
type Breakdown struct {
	Channel   int `json:"channel"`
	Outcome   int `json:"outcome"`
	SizeBonus int `json:"size_bonus"`
	Total     int `json:"total"`
}

// Explain scores a field bag and returns every component. Total is clamped
// to [0, MaxScore].
func Explain(fields model.Fields) Breakdown {
	b := Breakdown{
		Channel:   lookup(channelPoints, fields.Lookup(model.ChannelHeaders...), defaultChannelPoints),
		Outcome:   lookup(outcomePoints, fields.Lookup(model.OutcomeHeaders...), defaultOutcomePoints),
		SizeBonus: sizeBonus(fields.Lookup(model.SizeHeaders...)),
	}
	b.Total = clamp(b.Channel + b.Outcome + b.SizeBonus)
	return b
}

// Score returns the 0-100 score for a field bag.
func Score(fields model.Fields) int {
	return Explain(fields).Total
}

func lookup(table map[string]int, value string, def int) int {
	if value == "" {
		return def
	}
	if pts, ok := table[model.FoldKey(value)]; ok {
		return pts
	}
	return def
}

func sizeBonus(size string) int {
	switch {
	case strings.Contains(size, "1000+"), strings.Contains(size, "500+"):
		return 20
	case strings.Contains(size, "100+"), strings.Contains(size, "50+"):
		return 10
	default:
		return 0
	}
}

func clamp(n int) int {
	return max(0, min(n, MaxScore))
}
