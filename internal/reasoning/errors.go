package reasoning

import "fmt"

type Kind string

// KindFailed is the only error kind. The signaled unavailable condition
// (503 + agent_unavailable) is not an error: Send returns a Reply with
// Degraded set.
const KindFailed Kind = "failed"

const codeAgentUnavailable = "agent_unavailable"

type Error struct {
	Kind    Kind
	Status  int
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Status > 0 && e.Message != "":
		return fmt.Sprintf("agent error %d: %s", e.Status, e.Message)
	case e.Status > 0:
		return fmt.Sprintf("agent error %d", e.Status)
	case e.Err != nil:
		return fmt.Sprintf("agent request failed: %v", e.Err)
	default:
		return "agent request failed"
	}
}

func (e *Error) Unwrap() error { return e.Err }
