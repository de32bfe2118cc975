package emergency

// Status of a call as seen by dispatch.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusDispatched Status = "DISPATCHED"
	StatusResolved   Status = "RESOLVED"
)

type Priority string

const (
	PriorityLow      Priority = "LOW"
	PriorityMedium   Priority = "MEDIUM"
	PriorityHigh     Priority = "HIGH"
	PriorityCritical Priority = "CRITICAL"
)

const (
	DefaultDescription = "No description provided"
	DefaultLocation    = "Location unavailable"
)

// Escalated is true for critical incidents, which are flagged for automatic
// escalation and human takeover.
func (r Record) Escalated() bool {
	return r.Severity == SeverityCritical
}

func (r Record) Priority() Priority {
	switch r.Severity {
	case SeverityCritical:
		return PriorityCritical
	case SeverityHigh:
		return PriorityHigh
	case SeverityMedium:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// InitialStatus is the status a freshly written record gets: escalated calls
// go straight to IN_PROGRESS.
func (r Record) InitialStatus() Status {
	if r.Escalated() {
		return StatusInProgress
	}
	return StatusPending
}

// WithDefaults fills empty description and location with display
// placeholders for storage.
func (r Record) WithDefaults() Record {
	if r.Description == "" {
		r.Description = DefaultDescription
	}
	if r.Location == "" {
		r.Location = DefaultLocation
	}
	if r.Type == "" {
		r.Type = TypeOther
	}
	if r.Severity == "" {
		r.Severity = SeverityMedium
	}
	return r
}
