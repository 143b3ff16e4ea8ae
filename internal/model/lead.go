package model

import (
	"time"
)

// LeadStatus is the lifecycle state of an ingested lead.
type LeadStatus string

const (
	LeadStatusNew       LeadStatus = "new"
	LeadStatusQualified LeadStatus = "qualified"
	LeadStatusNurturing LeadStatus = "nurturing"
	LeadStatusConverted LeadStatus = "converted"
	LeadStatusClosed    LeadStatus = "closed"
)

// LeadStatuses lists every valid lead status in lifecycle order.
func LeadStatuses() []LeadStatus {
	return []LeadStatus{
		LeadStatusNew,
		LeadStatusQualified,
		LeadStatusNurturing,
		LeadStatusConverted,
		LeadStatusClosed,
	}
}

// ParseLeadStatus validates s against the known statuses.
func ParseLeadStatus(s string) (LeadStatus, error) {
	for _, st := range LeadStatuses() {
		if string(st) == s {
			return st, nil
		}
	}
	return "", Validationf("invalid lead status %q (valid: new, qualified, nurturing, converted, closed)", s)
}

// Lead is one row of external spreadsheet data attributed to a tenant.
type Lead struct {
	ID                 string     `json:"id"`
	TenantID           string     `json:"tenant_id"`
	AccountLabel       string     `json:"account_label"`
	Fields             Fields     `json:"fields"`
	RowKey             string     `json:"row_key"`
	Status             LeadStatus `json:"status"`
	Score              *int       `json:"score,omitempty"`
	ConvertedContactID *string    `json:"converted_contact_id,omitempty"`
	EnrolledSequenceID *string    `json:"enrolled_sequence_id,omitempty"`
	QualifiedAt        *time.Time `json:"qualified_at,omitempty"`
	ConvertedAt        *time.Time `json:"converted_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// IsConverted reports whether the lead already has a contact back-reference.
func (l *Lead) IsConverted() bool {
	return l.ConvertedContactID != nil
}

// LeadFilter narrows lead listings.
type LeadFilter struct {
	TenantID string    `json:"tenant_id,omitempty"`
	Since    time.Time `json:"since,omitempty"` // zero = no lower bound on updated_at
	Limit    int       `json:"limit,omitempty"` // zero = every matching lead
}

// LeadsChanged is published after a sync run commits lead changes for a tenant.
type LeadsChanged struct {
	TenantID string    `json:"tenant_id"`
	Inserted int       `json:"inserted"`
	Updated  int       `json:"updated"`
	Deleted  int       `json:"deleted"`
	At       time.Time `json:"at"`
}
