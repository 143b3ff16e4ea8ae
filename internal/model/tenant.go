package model

// Tenant is an organization whose leads are isolated from all others.
type Tenant struct {
	ID                string  `json:"id" yaml:"id"`
	Name              string  `json:"name" yaml:"name"`
	SheetURL          *string `json:"sheet_url,omitempty" yaml:"sheet_url,omitempty"`
	WeeklyLeadActual  int     `json:"weekly_lead_actual" yaml:"-"`
	MonthlyLeadActual int     `json:"monthly_lead_actual" yaml:"-"`
}

// HasSheet reports whether the tenant has a non-empty sheet reference.
func (t *Tenant) HasSheet() bool {
	return t.SheetURL != nil && *t.SheetURL != ""
}
