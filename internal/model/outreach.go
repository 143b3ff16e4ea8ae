package model

import (
	"strings"
	"time"
)

// ContactSourceLeadConversion tags contacts created from a converted lead.
const ContactSourceLeadConversion = "lead_conversion"

// Contact is a deduplicated outreach identity keyed by (tenant, email).
type Contact struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Email     string    `json:"email"` // normalized
	Name      string    `json:"name,omitempty"`
	Company   string    `json:"company,omitempty"`
	Title     string    `json:"title,omitempty"`
	Phone     string    `json:"phone,omitempty"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
}

// ContactAttrs are the attributes extracted from a lead for contact creation.
type ContactAttrs struct {
	Email   string `json:"email"`
	Name    string `json:"name,omitempty"`
	Company string `json:"company,omitempty"`
	Title   string `json:"title,omitempty"`
	Phone   string `json:"phone,omitempty"`
	Source  string `json:"source"`
}

// SuppressionType says whether a suppression matches an address or a domain.
type SuppressionType string

const (
	SuppressionEmail  SuppressionType = "email"
	SuppressionDomain SuppressionType = "domain"
)

// Suppression blocks outreach to an email or domain within a tenant.
type Suppression struct {
	TenantID string          `json:"tenant_id"`
	Type     SuppressionType `json:"type"`
	Value    string          `json:"value"`
	Reason   string          `json:"reason"`
}

// Sequence is a multi-step messaging sequence owned by a tenant.
type Sequence struct {
	ID       string         `json:"id"`
	TenantID string         `json:"tenant_id"`
	Name     string         `json:"name"`
	Steps    []SequenceStep `json:"steps"`
}

// SequenceStep is one step; DelayDays counts from the previous step.
type SequenceStep struct {
	StepOrder int `json:"step_order"`
	DelayDays int `json:"delay_days_from_previous"`
}

// EnrollmentStatus is the state of a contact inside a sequence.
type EnrollmentStatus string

const (
	EnrollmentActive    EnrollmentStatus = "active"
	EnrollmentPaused    EnrollmentStatus = "paused"
	EnrollmentCompleted EnrollmentStatus = "completed"
)

// Enrollment pairs a contact with a sequence. Unique per (sequence, contact).
type Enrollment struct {
	ID                  string           `json:"id"`
	SequenceID          string           `json:"sequence_id"`
	ContactID           string           `json:"contact_id"`
	TenantID            string           `json:"tenant_id"`
	Status              EnrollmentStatus `json:"status"`
	CurrentStep         int              `json:"current_step"`
	NextStepScheduledAt time.Time        `json:"next_step_scheduled_at"`
	EnrolledAt          time.Time        `json:"enrolled_at"`
}

// NormalizeEmail is the contact dedup key for an address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// EmailDomain returns the normalized domain part of an address, or "".
func EmailDomain(email string) string {
	e := NormalizeEmail(email)
	at := strings.LastIndexByte(e, '@')
	if at < 0 || at == len(e)-1 {
		return ""
	}
	return e[at+1:]
}
