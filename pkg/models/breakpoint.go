package models

// Breakpoint is the kernel's eight-valued execution-phase indicator. Every
// transition is persisted with the agent metadata so a crashed process can
// decide how to resume.
type Breakpoint string

const (
	BreakpointReady            Breakpoint = "READY"
	BreakpointPreModel         Breakpoint = "PRE_MODEL"
	BreakpointStreamingModel   Breakpoint = "STREAMING_MODEL"
	BreakpointToolPending      Breakpoint = "TOOL_PENDING"
	BreakpointAwaitingApproval Breakpoint = "AWAITING_APPROVAL"
	BreakpointPreTool          Breakpoint = "PRE_TOOL"
	BreakpointToolExecuting    Breakpoint = "TOOL_EXECUTING"
	BreakpointPostTool         Breakpoint = "POST_TOOL"
)

// Restable reports whether the breakpoint is a legitimate crash resting
// point. The remaining states must be short-lived.
func (b Breakpoint) Restable() bool {
	return b == BreakpointReady || b == BreakpointAwaitingApproval
}

// MidTool reports whether the breakpoint sits inside the tool phase, which
// requires auto-sealing on resume.
func (b Breakpoint) MidTool() bool {
	switch b {
	case BreakpointToolPending, BreakpointPreTool, BreakpointToolExecuting, BreakpointPostTool:
		return true
	default:
		return false
	}
}

// Valid reports whether b is one of the eight known states.
func (b Breakpoint) Valid() bool {
	switch b {
	case BreakpointReady, BreakpointPreModel, BreakpointStreamingModel,
		BreakpointToolPending, BreakpointAwaitingApproval, BreakpointPreTool,
		BreakpointToolExecuting, BreakpointPostTool:
		return true
	default:
		return false
	}
}
