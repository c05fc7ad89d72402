package contracts

// Outcome is the acknowledgment decision a handler returns for a delivery
type Outcome int

const (
	// Ack acknowledges the delivery and removes it from the queue
	Ack Outcome = iota + 1
	// Reject negatively acknowledges without requeue, routing to the dead-letter exchange
	Reject
	// Retry negatively acknowledges with requeue for immediate redelivery
	Retry
)

// OutcomeFromBool maps a success flag to Ack or Reject
func OutcomeFromBool(ok bool) Outcome {
	if ok {
		return Ack
	}
	return Reject
}

// Valid reports whether o is one of the declared outcomes
func (o Outcome) Valid() bool {
	return o >= Ack && o <= Retry
}

func (o Outcome) String() string {
	switch o {
	case Ack:
		return "ack"
	case Reject:
		return "reject"
	case Retry:
		return "retry"
	default:
		return "unknown"
	}
}
