package reconcile

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/sells-group/leadsync/internal/model"
)

// Actuals are lead counts dated within the current period.
type Actuals struct {
	Weekly  int `json:"weekly_lead_actual"`
	Monthly int `json:"monthly_lead_actual"`
}

var dottedDate = regexp.MustCompile(`^(\d{1,2})\.(\d{1,2})\.(\d{2}|\d{4})$`)

// Fallback layouts tried after the dotted day-first pattern. Slash dates are
// read month-first.
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"2006/01/02",
	"01/02/2006",
	"1/2/2006",
	"01/02/06",
	"1/2/06",
	"2 Jan 2006",
	"02 Jan 2006",
	"Jan 2, 2006",
	"Jan 2 2006",
	"January 2, 2006",
	"2 January 2006",
	"Mon, 02 Jan 2006",
}

// ParseLeadDate parses a sheet date cell in loc. DD.MM.YY and DD.MM.YYYY win
// when they match; two-digit years are 20YY.
func ParseLeadDate(s string, loc *time.Location) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	if loc == nil {
		loc = time.UTC
	}

	if m := dottedDate.FindStringSubmatch(s); m != nil {
		day, _ := strconv.Atoi(m[1])
		month, _ := strconv.Atoi(m[2])
		year, _ := strconv.Atoi(m[3])
		if len(m[3]) == 2 {
			year += 2000
		}
		t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, loc)
		if t.Day() != day || int(t.Month()) != month {
			return time.Time{}, false
		}
		return t, true
	}

	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// CountActuals counts leads whose date falls in now's ISO week and calendar
// month. Leads without a parseable date count toward neither.
func CountActuals(leads []model.Lead, now time.Time) Actuals {
	var a Actuals
	year, week := now.ISOWeek()
	for _, l := range leads {
		d, ok := ParseLeadDate(l.Fields.Lookup(model.DateHeaders...), now.Location())
		if !ok {
			continue
		}
		if y, w := d.ISOWeek(); y == year && w == week {
			a.Weekly++
		}
		if d.Year() == now.Year() && d.Month() == now.Month() {
			a.Monthly++
		}
	}
	return a
}
