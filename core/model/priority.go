package model

// Priority defines the urgency class of a delivery request.
type Priority int

const (
	PriorityRoutine Priority = iota
	PriorityUrgent
	PriorityEmergency
	PriorityCritical
	PriorityLifeThreatening
)

// String returns a human-readable representation of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityRoutine:
		return "routine"
	case PriorityUrgent:
		return "urgent"
	case PriorityEmergency:
		return "emergency"
	case PriorityCritical:
		return "critical"
	case PriorityLifeThreatening:
		return "life_threatening"
	default:
		return "unknown"
	}
}

// ParsePriority converts the wire representation back to a Priority.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "routine":
		return PriorityRoutine, nil
	case "urgent":
		return PriorityUrgent, nil
	case "emergency":
		return PriorityEmergency, nil
	case "critical":
		return PriorityCritical, nil
	case "life_threatening":
		return PriorityLifeThreatening, nil
	default:
		return 0, NewValidationError("priority", "unknown priority "+s)
	}
}

// IsEmergency reports whether the priority belongs to the emergency tier,
// which may relax routing risk penalties and preempt reservations.
func (p Priority) IsEmergency() bool {
	return p >= PriorityEmergency
}

// Preempts reports whether a delivery of this priority may take over a
// reservation held by a delivery of priority other.
func (p Priority) Preempts(other Priority) bool {
	return p.IsEmergency() && p > other
}
