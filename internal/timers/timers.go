// Package timers wraps robfig/cron into named, panic-recovered job
// groups: the audit pipeline's anchor ticker and the fleet monitor's
// reclaim sweep each register jobs against their own Group while
// sharing one cron runner.
package timers

import (
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/meristem/core/internal/logging"
)

var log = logging.Component("timers")

// Group is a named set of scheduled jobs sharing one underlying
// cron.Cron instance, mirroring PluginScheduler's jobIDs map.
type Group struct {
	cron *cron.Cron
	name string

	mu     sync.Mutex
	jobIDs map[string]cron.EntryID
}

// NewGroup builds a Group over a caller-owned *cron.Cron. Multiple
// groups share one cron.Cron to keep a single background goroutine
// per process.
func NewGroup(c *cron.Cron, name string) *Group {
	return &Group{cron: c, name: name, jobIDs: make(map[string]cron.EntryID)}
}

// Schedule registers job under jobName on cronExpr, replacing any
// existing schedule of the same name. job is wrapped with panic
// recovery so a single bad tick never kills the shared cron.
func (g *Group) Schedule(jobName, cronExpr string, job func()) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if existing, ok := g.jobIDs[jobName]; ok {
		g.cron.Remove(existing)
		delete(g.jobIDs, jobName)
	}

	wrapped := func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Str("group", g.name).Str("job", jobName).Interface("panic", r).Msg("scheduled job panicked")
			}
		}()
		job()
	}

	id, err := g.cron.AddFunc(cronExpr, wrapped)
	if err != nil {
		return fmt.Errorf("timers: schedule %s/%s: %w", g.name, jobName, err)
	}
	g.jobIDs[jobName] = id
	return nil
}

// ScheduleEvery is a convenience for fixed-interval jobs expressed as
// a Go duration string (e.g. "30s", "5m") instead of cron syntax.
func (g *Group) ScheduleEvery(jobName, interval string, job func()) error {
	return g.Schedule(jobName, "@every "+interval, job)
}

// Remove cancels jobName if scheduled; a no-op otherwise.
func (g *Group) Remove(jobName string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if id, ok := g.jobIDs[jobName]; ok {
		g.cron.Remove(id)
		delete(g.jobIDs, jobName)
	}
}

// RemoveAll cancels every job in the group, used on subsystem stop.
func (g *Group) RemoveAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for name, id := range g.jobIDs {
		g.cron.Remove(id)
		delete(g.jobIDs, name)
	}
}
