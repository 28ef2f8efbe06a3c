package netmode

import (
	"context"
	"encoding/json"
	"time"

	"github.com/meristem/core/internal/plugin/health"
	"github.com/meristem/core/internal/plugin/lifecycle"
)

// NetworkModeCapability is the manifest export name that marks a
// plugin as eligible to drive Network-Mode Manager arbitration
//.
const NetworkModeCapability = "network-mode-status"

const proposalCallTimeout = 2 * time.Second

// lifecycleProvider adapts one running plugin plus the shared health
// monitor into a netmode.Provider.
type lifecycleProvider struct {
	plugin  *lifecycle.Plugin
	monitor *health.Monitor
}

func (p lifecycleProvider) PluginID() string { return p.plugin.Manifest.ID }

func (p lifecycleProvider) Running() bool {
	return p.plugin.State() == lifecycle.StateRunning
}

func (p lifecycleProvider) Healthy() bool {
	return p.monitor != nil && p.monitor.IsResponsive(p.plugin.Manifest.ID)
}

// Proposal invokes the plugin's network-mode-status capability and
// decodes its preferred mode, if it answers.
func (p lifecycleProvider) Proposal(ctx context.Context) (*Proposal, bool) {
	iso := p.plugin.Isolate()
	if iso == nil {
		return nil, false
	}
	res, err := iso.Invoke(ctx, "", NetworkModeCapability, nil, proposalCallTimeout)
	if err != nil || !res.Success {
		return nil, false
	}
	var body struct {
		Mode string `json:"mode"`
	}
	if err := json.Unmarshal(res.Data, &body); err != nil {
		return nil, false
	}
	switch Mode(body.Mode) {
	case ModeDirect:
		return &Proposal{Mode: ModeDirect}, true
	case ModeMNet:
		return &Proposal{Mode: ModeMNet}, true
	default:
		return nil, false
	}
}

// ProvidersFromRegistry builds the provider-source function netmode.New
// needs, sourced live from the plugin registry and the shared health
// monitor.
func ProvidersFromRegistry(registry *lifecycle.Registry, monitor *health.Monitor) func() []Provider {
	return func() []Provider {
		plugins := registry.Running(NetworkModeCapability)
		out := make([]Provider, 0, len(plugins))
		for _, p := range plugins {
			out = append(out, lifecycleProvider{plugin: p, monitor: monitor})
		}
		return out
	}
}
