package message

import (
	"fmt"
	"strings"
)

// Status is the delivery state of a message.
type Status string

const (
	StatusPending        Status = "pending"
	StatusSentToProvider Status = "sent_to_provider"
	StatusSent           Status = "sent"
	StatusDelivered      Status = "delivered"
	StatusRead           Status = "read"
	StatusError          Status = "error"
)

var statusRank = map[Status]int{
	StatusPending:        0,
	StatusSentToProvider: 1,
	StatusSent:           2,
	StatusDelivered:      3,
	StatusRead:           4,
}

// Rank orders the non-error statuses. Error and unknown values rank -1.
func (s Status) Rank() int {
	if r, ok := statusRank[s]; ok {
		return r
	}
	return -1
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	return s == StatusError || s.Rank() >= 0
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusError
}

// ParseStatus parses a stored status name.
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown message status %q", raw)
	}
	return s, nil
}

// Advance returns the status a message at current should move to when incoming
// is observed, and whether that is a change. Error overrides any state and is
// terminal; otherwise only a strictly higher rank moves the status forward.
func Advance(current, incoming Status) (Status, bool) {
	if current == StatusError {
		return current, false
	}
	if incoming == StatusError {
		return StatusError, true
	}
	if incoming.Rank() > current.Rank() {
		return incoming, true
	}
	return current, false
}
