package status

// Status is the lifecycle state of an agent as tracked by the gateway.
type Status string

const (
	Initializing Status = "INITIALIZING"
	Running      Status = "RUNNING"
	Paused       Status = "PAUSED"
	Completed    Status = "COMPLETED"
	Error        Status = "ERROR"
	Aborted      Status = "ABORTED"

	// Unknown is the sentinel for agents the gateway has no record of.
	// It is never treated as terminal success.
	Unknown Status = "UNKNOWN"

	// Check is a pseudo-status: report the current status without mutating it.
	Check Status = "CHECK"
)

// Parse maps a wire string onto a known status, defaulting to Unknown.
func Parse(s string) Status {
	switch Status(s) {
	case Initializing, Running, Paused, Completed, Error, Aborted, Check:
		return Status(s)
	default:
		return Unknown
	}
}

// TerminalSuccess reports whether a status satisfies a dependency gate.
func (s Status) TerminalSuccess() bool {
	return s == Completed
}

// TerminalFailure reports whether a status permanently blocks dependents.
func (s Status) TerminalFailure() bool {
	return s == Error || s == Aborted
}

// Terminal reports whether the agent has finished, successfully or not.
func (s Status) Terminal() bool {
	return s.TerminalSuccess() || s.TerminalFailure()
}
