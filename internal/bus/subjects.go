// Package bus wraps the NATS connection the Core uses for every
// subject the Core publishes or consumes, degrading gracefully to a
// disabled no-op connection when no NATS URL is configured.
// internal/events/subscriber.go.
package bus

import "fmt"

const (
	SubjectHeartbeatWildcard = "meristem.v1.hb.>"
	SubjectPulse             = "meristem.v1.sys.pulse"
	SubjectNetworkMode       = "meristem.v1.sys.network.mode"
)

// LogsTaskSubject builds the per-task log subject.
func LogsTaskSubject(nodeID, taskID string) string {
	return fmt.Sprintf("meristem.v1.logs.task.%s.%s", nodeID, taskID)
}

// LogsSysSubject builds the system log subject used when no task id
// is present on the envelope's meta.
func LogsSysSubject(nodeID string) string {
	return fmt.Sprintf("meristem.v1.logs.sys.%s", nodeID)
}
