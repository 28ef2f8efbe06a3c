// Package trace implements the Core's TraceContext: an immutable,
// explicitly-threaded identifier for one operation's worth of work.
package trace

import "github.com/google/uuid"

// Context is created once per inbound request or subscription message
// and propagated by value. It is never mutated after construction.
type Context struct {
	TraceID string
	NodeID  string
	Source  string
	TaskID  string // empty when not associated with a task
}

// New creates a Context, generating a trace id when none is supplied.
func New(traceID, nodeID, source string) Context {
	if traceID == "" {
		traceID = uuid.NewString()
	}
	return Context{TraceID: traceID, NodeID: nodeID, Source: source}
}

// WithTaskID returns a copy of ctx bound to a task id; ctx itself is
// untouched, matching the "never mutated" invariant.
func (c Context) WithTaskID(taskID string) Context {
	c.TaskID = taskID
	return c
}

// HasTask reports whether this context is associated with a task.
func (c Context) HasTask() bool {
	return c.TaskID != ""
}
