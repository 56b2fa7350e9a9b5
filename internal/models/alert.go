package models

import "time"

// AlertKindRegression labels alerts raised by the latency regression detector.
const AlertKindRegression = "regression"

// ResolvedByDetector marks alerts retired automatically by the detector.
const ResolvedByDetector = "regression-detector"

// AlertStatus tracks an alert through its lifecycle.
type AlertStatus string

const (
	StatusActive       AlertStatus = "active"
	StatusAcknowledged AlertStatus = "acknowledged"
	StatusResolved     AlertStatus = "resolved"
	StatusSuppressed   AlertStatus = "suppressed"
)

// Severity captures impact levels.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// AlertRecord is the persisted view of a raised regression alert.
type AlertRecord struct {
	ID              string          `json:"id"`
	Kind            string          `json:"kind"`
	Severity        Severity        `json:"severity"`
	Status          AlertStatus     `json:"status"`
	Pop             string          `json:"pop_code"`
	Detail          DetectionResult `json:"detail"`
	CreatedAt       time.Time       `json:"created_at"`
	ResolvedAt      *time.Time      `json:"resolved_at,omitempty"`
	ResolvedBy      string          `json:"resolved_by,omitempty"`
	ResolutionNotes string          `json:"resolution_notes,omitempty"`
	DurationMs      int64           `json:"duration_ms,omitempty"`
}

// AlertFilter selects alert records by PoP, kind, and status. Empty fields match anything.
type AlertFilter struct {
	Pop    string
	Kind   string
	Status AlertStatus
}

// Matches reports whether the record satisfies every non-empty filter field.
func (f AlertFilter) Matches(rec AlertRecord) bool {
	if f.Pop != "" && rec.Pop != f.Pop {
		return false
	}
	if f.Kind != "" && rec.Kind != f.Kind {
		return false
	}
	if f.Status != "" && rec.Status != f.Status {
		return false
	}
	return true
}

// AlertPatch carries the mutable fields of an alert record. Nil fields are left untouched.
type AlertPatch struct {
	Status          *AlertStatus
	ResolvedAt      *time.Time
	ResolvedBy      *string
	ResolutionNotes *string
	DurationMs      *int64
}

// Apply copies the patch's set fields onto the record.
func (r *AlertRecord) Apply(patch AlertPatch) {
	if patch.Status != nil {
		r.Status = *patch.Status
	}
	if patch.ResolvedAt != nil {
		r.ResolvedAt = patch.ResolvedAt
	}
	if patch.ResolvedBy != nil {
		r.ResolvedBy = *patch.ResolvedBy
	}
	if patch.ResolutionNotes != nil {
		r.ResolutionNotes = *patch.ResolutionNotes
	}
	if patch.DurationMs != nil {
		r.DurationMs = *patch.DurationMs
	}
}
