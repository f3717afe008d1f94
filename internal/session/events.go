package session

// EventKind is the closed set of typed events a streamed subprocess
// line parses into (§4.3).
type EventKind string

const (
	EventText     EventKind = "text"
	EventToolUse  EventKind = "tool_use"
	EventComplete EventKind = "complete"
	EventError    EventKind = "error"
)

// Event is one parsed line of subprocess stdout, forwarded to the
// observer registered with the launcher.
type Event struct {
	Kind EventKind
	Text string
	Tool string
	Err  string
}

// Observer receives every parsed Event as it is produced.
type Observer func(Event)

// Result summarizes a finished session (§4.3).
type Result struct {
	Success    bool
	ExitCode   int
	Stdout     string
	Stderr     string
	DurationMs int64
	TimedOut   bool
}
