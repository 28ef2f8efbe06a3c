// Package guard implements the Subject Permission Guard:
// an ordered, closed table mapping subject patterns to a required
// permission, evaluated deny-by-default.
package guard

import (
	"regexp"
	"strings"

	"github.com/meristem/core/internal/logging"
)

var log = logging.Component("guard")

type rule struct {
	pattern    *regexp.Regexp
	permission string
}

// Table is the ordered pattern→permission mapping. Order matters:
// the first match wins. Extend only by appending.
var Table = []rule{
	{regexp.MustCompile(`^(meristem\.v1\.)?node\.[^.]+\.cmd$`), "node:cmd"},
	{regexp.MustCompile(`^(meristem\.v1\.)?node\.[^.]+\.(status|state)$`), "node:read"},
	{regexp.MustCompile(`^task\.[^.]+\.status$`), "node:read"},
	{regexp.MustCompile(`^(meristem\.v1\.)?sys\.`), "sys:manage"},
	{regexp.MustCompile(`^(meristem\.v1\.)?audit\.`), "sys:audit"},
	{regexp.MustCompile(`^(meristem\.v1\.)?mfs\.`), "mfs:write"},
	{regexp.MustCompile(`^(meristem\.v1\.)?plugin\.`), "plugin:access"},
}

// Decision is the result of a permission check.
type Decision struct {
	Allowed bool
	Reason  string
	// RequiredPermission is empty when the subject has no mapping.
	RequiredPermission string
}

// Check evaluates subject against Table and the caller's permission
// set. Permission sets may contain "*" (grants everything), an exact
// permission, or "namespace:*" (grants every permission in that
// namespace).
func Check(subject string, permissions []string) Decision {
	for _, r := range Table {
		if !r.pattern.MatchString(subject) {
			continue
		}
		if satisfies(permissions, r.permission) {
			return Decision{Allowed: true, RequiredPermission: r.permission}
		}
		return Decision{Allowed: false, Reason: "FORBIDDEN", RequiredPermission: r.permission}
	}
	return Decision{Allowed: false, Reason: "DENY_NO_MAPPING"}
}

func satisfies(permissions []string, required string) bool {
	namespace := required
	if i := strings.IndexByte(required, ':'); i >= 0 {
		namespace = required[:i]
	}
	wildcard := namespace + ":*"
	for _, p := range permissions {
		if p == "*" || p == required || p == wildcard {
			return true
		}
	}
	return false
}

// AuditDenial logs a denial as a structured
// {event, actor, subject, required_permission, reason} record. The caller
// is responsible for also routing this through the Audit Pipeline;
// this only produces the structured log line.
func AuditDenial(event, actor, subject, requiredPermission, reason string) {
	log.Warn().
		Str("event", event).
		Str("actor", actor).
		Str("subject", subject).
		Str("required_permission", requiredPermission).
		Str("reason", reason).
		Msg("subject access denied")
}
