package protocol

// Status is the delivery state of a message from its sender's point of view.
type Status string

const (
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
)

// Rank orders statuses along sending → sent → delivered → read.
// Unknown statuses rank 0.
func (s Status) Rank() int {
	switch s {
	case StatusSending:
		return 1
	case StatusSent:
		return 2
	case StatusDelivered:
		return 3
	case StatusRead:
		return 4
	default:
		return 0
	}
}

// Valid reports whether s is one of the four known statuses.
func (s Status) Valid() bool {
	return s.Rank() > 0
}
