package types

// OutcomeStatus classifies the result of an operation.
type OutcomeStatus string

const (
	StatusSuccess OutcomeStatus = "success"
	StatusNoop    OutcomeStatus = "noop"
	StatusFailed  OutcomeStatus = "failed"
)

// Outcome is the structured result every orchestrator operation returns.
// The outer CLI decides whether to prompt for a reboot based on it.
type Outcome struct {
	Operation      string             `json:"operation"`
	Status         OutcomeStatus      `json:"status"`
	RebootRequired bool               `json:"reboot_required"`
	Activated      bool               `json:"activated"`
	Target         *PassthroughTarget `json:"target,omitempty"`
	Changes        []string           `json:"changes,omitempty"`
	Warnings       []string           `json:"warnings,omitempty"`
}

// NewOutcome starts an outcome that is a no-op until something changes.
func NewOutcome(op string) *Outcome {
	return &Outcome{Operation: op, Status: StatusNoop}
}

// Changed records a mutation and promotes the outcome to success.
func (o *Outcome) Changed(msg string) {
	o.Changes = append(o.Changes, msg)
	if o.Status == StatusNoop {
		o.Status = StatusSuccess
	}
}

// Warn records a non-fatal problem.
func (o *Outcome) Warn(msg string) {
	o.Warnings = append(o.Warnings, msg)
}

// Fail marks the outcome as failed.
func (o *Outcome) Fail() {
	o.Status = StatusFailed
}
