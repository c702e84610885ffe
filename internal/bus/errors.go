package bus

import "fmt"

// ErrorKind classifies an Error event.
type ErrorKind string

const (
	KindConnection     ErrorKind = "connection"
	KindProtocol       ErrorKind = "protocol"
	KindAuthentication ErrorKind = "authentication"
	KindTransfer       ErrorKind = "transfer"
)

// ErrorEvent is the payload of Error. SessionID is set for transfer errors
// that belong to a specific upload or download.
type ErrorEvent struct {
	Kind      ErrorKind
	Reason    string
	SessionID string
	Err       error
}

func (e ErrorEvent) String() string {
	if e.SessionID != "" {
		return fmt.Sprintf("%s error [%s]: %s", e.Kind, e.SessionID, e.Reason)
	}
	return fmt.Sprintf("%s error: %s", e.Kind, e.Reason)
}
