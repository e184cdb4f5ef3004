package txstore

// Status represents where a transaction record is in its lifecycle
type Status string

const (
	StatusUnapproved Status = "unapproved"
	StatusApproved   Status = "approved"
	StatusSigned     Status = "signed"
	StatusSubmitted  Status = "submitted"
	StatusConfirmed  Status = "confirmed"
	StatusFailed     Status = "failed"
	StatusDropped    Status = "dropped"
	StatusRejected   Status = "rejected"
)

// IsTerminal reports whether no further transition is allowed out of s
func (s Status) IsTerminal() bool {
	switch s {
	case StatusConfirmed, StatusFailed, StatusDropped, StatusRejected:
		return true
	default:
		return false
	}
}

// IsValid reports whether s is one of the known statuses
func (s Status) IsValid() bool {
	switch s {
	case StatusUnapproved, StatusApproved, StatusSigned, StatusSubmitted,
		StatusConfirmed, StatusFailed, StatusDropped, StatusRejected:
		return true
	default:
		return false
	}
}

// transitions lists the forward edges of the state machine. Failed is reachable
// from every non-terminal state and is handled separately.
var transitions = map[Status][]Status{
	StatusUnapproved: {StatusApproved, StatusRejected},
	StatusApproved:   {StatusSigned},
	StatusSigned:     {StatusSubmitted},
	StatusSubmitted:  {StatusConfirmed, StatusDropped},
}

// CanTransition reports whether a record may move from one status to another
func CanTransition(from, to Status) bool {
	if from.IsTerminal() || !to.IsValid() {
		return false
	}
	if to == StatusFailed {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
