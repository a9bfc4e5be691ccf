package conn

import "fmt"

// State is the authentication state of a connection.
type State uint8

const (
	StateAnonymous State = iota
	StateAuthenticated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAnonymous:
		return "anonymous"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// canTransition reports whether from -> to is allowed. Closed is terminal and
// Authenticated -> Authenticated is a re-authentication.
func canTransition(from, to State) bool {
	switch from {
	case StateAnonymous:
		return to == StateAuthenticated || to == StateClosed
	case StateAuthenticated:
		return to == StateAuthenticated || to == StateClosed
	default:
		return false
	}
}
