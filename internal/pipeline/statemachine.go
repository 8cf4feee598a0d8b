package pipeline

// validTransitions is the single source of truth for job status edges.
// DELIVERED and SKIPPED are terminal; DEAD -> PENDING is the operator escape.
var validTransitions = map[Status][]Status{
	StatusPending:    {StatusQueued, StatusSkipped, StatusFailed},
	StatusQueued:     {StatusProcessing, StatusSkipped, StatusFailed},
	StatusProcessing: {StatusSent, StatusFailed, StatusSkipped, StatusDead},
	StatusSent:       {StatusDelivered, StatusFailed},
	StatusDelivered:  {},
	StatusFailed:     {StatusRetrying, StatusDead, StatusPending},
	StatusRetrying:   {StatusQueued, StatusProcessing, StatusSent, StatusFailed, StatusDead},
	StatusDead:       {StatusPending},
	StatusSkipped:    {},
}

// CanTransition reports whether from -> to is an allowed edge. Self
// transitions are never allowed.
func CanTransition(from, to Status) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// statusTimestampColumn maps a status to its dedicated timestamp column.
// PENDING, RETRYING and DEAD have none.
func statusTimestampColumn(s Status) (string, bool) {
	switch s {
	case StatusQueued:
		return "queued_at", true
	case StatusProcessing:
		return "processing_at", true
	case StatusSent:
		return "sent_at", true
	case StatusDelivered:
		return "delivered_at", true
	case StatusFailed:
		return "failed_at", true
	case StatusSkipped:
		return "skipped_at", true
	}
	return "", false
}
