// Package manifest validates plugin manifests and resolves their
// load order: schema checks against a closed permission vocabulary,
// Kahn's-algorithm dependency ordering, and SDUI version negotiation.
package manifest

import (
	"fmt"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var (
	sduiVersionRe = regexp.MustCompile(`^\d+\.\d+$`)
	pluginIDRe    = regexp.MustCompile(`^[a-z0-9]+(\.[a-z0-9-]+)+$`) // reverse-DNS
)

// Tier is the load-order priority band a manifest declares.
type Tier string

const (
	TierCore      Tier = "core"
	TierExtension Tier = "extension"
)

// RuntimeProfile selects the isolate sandboxing strategy (component C).
type RuntimeProfile string

const (
	RuntimeHotpath RuntimeProfile = "hotpath"
	RuntimeSandbox RuntimeProfile = "sandbox"
)

// UI describes how the plugin renders: server-driven (SDUI) or as a
// shipped ES module.
type UI struct {
	Mode  string // "SDUI" or "ESM"
	Entry string // optional, ESM bundle path
	Icon  string // optional
}

// UIContract declares the topics a UI client may subscribe to on this
// plugin's behalf plus its default rendering knobs. The WebSocket
// Fanout admits a subscription to any channel listed here.
type UIContract struct {
	Route           string
	Channels        []string
	DefaultLogLevel string // "info" or "debug"
	StreamProfile   string // "realtime", "balanced" or "conserve"
}

// Manifest is the on-disk declaration a plugin author ships, mirrored
// onto store/bus wire shapes unchanged. Immutable after load.
type Manifest struct {
	ID             string
	Version        string
	Tier           Tier
	RuntimeProfile RuntimeProfile
	SDUIVersion    string
	Dependencies   []string
	Entry          string
	UI             UI
	UIContract     UIContract
	Permissions    []string
	// Events lists bus subject patterns the plugin subscribes to via
	// the Event Bridge; each is gated by the Subject Permission Guard
	// at subscribe time.
	Events []string
	// Exports lists capability names the plugin advertises to the
	// rest of the Core, e.g. "network-mode-status" for the
	// Network-Mode Manager's provider discovery.
	Exports []string
}

// ValidationError collects every defect found in one manifest, rather
// than failing on the first, so authors can fix a manifest in one pass.
type ValidationError struct {
	PluginID string
	Issues   []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("manifest %s: %s", e.PluginID, strings.Join(e.Issues, "; "))
}

// closedPermissionVocabulary is the exhaustive set of permission
// strings a manifest may request; anything outside it is rejected at
// validation time rather than silently ignored at runtime.
var closedPermissionVocabulary = map[string]bool{
	"sys:manage":    true,
	"sys:audit":     true,
	"node:read":     true,
	"node:cmd":      true,
	"node:join":     true,
	"mfs:write":     true,
	"nats:pub":      true,
	"plugin:access": true,
}

// Validate checks m against every structural rule, returning all
// violations at once.
func Validate(m Manifest) error {
	var issues []string

	if m.ID == "" || !pluginIDRe.MatchString(m.ID) {
		issues = append(issues, "id must be reverse-DNS (e.g. com.example.plugin)")
	}
	if m.Version == "" {
		issues = append(issues, "version must be non-empty")
	}
	if m.Tier != TierCore && m.Tier != TierExtension {
		issues = append(issues, "tier must be one of: core, extension")
	}
	if m.RuntimeProfile != RuntimeHotpath && m.RuntimeProfile != RuntimeSandbox {
		issues = append(issues, "runtime_profile must be one of: hotpath, sandbox")
	}
	if !sduiVersionRe.MatchString(m.SDUIVersion) {
		issues = append(issues, "sdui_version must match \\d+\\.\\d+")
	}
	if m.Entry == "" {
		issues = append(issues, "entry must be non-empty")
	} else if escapesRoot(m.Entry) {
		issues = append(issues, "entry must be a relative path inside the plugin root")
	}
	switch m.UI.Mode {
	case "SDUI", "ESM":
	default:
		issues = append(issues, "ui.mode must be one of: SDUI, ESM")
	}
	switch m.UIContract.DefaultLogLevel {
	case "info", "debug":
	default:
		issues = append(issues, "ui_contract.default_log_level must be one of: info, debug")
	}
	switch m.UIContract.StreamProfile {
	case "realtime", "balanced", "conserve":
	default:
		issues = append(issues, "ui_contract.stream_profile must be one of: realtime, balanced, conserve")
	}
	if m.UIContract.Route == "" {
		issues = append(issues, "ui_contract.route must be non-empty")
	}
	for _, perm := range m.Permissions {
		if !closedPermissionVocabulary[perm] {
			issues = append(issues, fmt.Sprintf("permission %q is not in the closed vocabulary", perm))
		}
	}

	if len(issues) > 0 {
		return &ValidationError{PluginID: m.ID, Issues: issues}
	}
	return nil
}

// escapesRoot reports whether a declared entry path resolves outside
// the plugin root once cleaned.
func escapesRoot(entry string) bool {
	if path.IsAbs(entry) {
		return true
	}
	clean := path.Clean(entry)
	return clean == ".." || strings.HasPrefix(clean, "../")
}

// CompatibilityOutcome is the SDUI-version resolution result for one
// manifest against the Core's own SDUI version.
type CompatibilityOutcome struct {
	Compatible bool
	Fallback   string // "", "HIDE", or "BASIC_FALLBACK"
	Negotiated string // the plugin's version when compatible
}

// ResolveSDUICompatibility implements the major/minor rule:
// a major mismatch hides the plugin's UI entirely; a core minor older
// than the plugin's degrades it to a basic fallback render; otherwise
// the negotiated version is the plugin's own.
func ResolveSDUICompatibility(pluginSDUIVersion, coreSDUIVersion string) CompatibilityOutcome {
	pMajor, pMinor := splitVersion(pluginSDUIVersion)
	cMajor, cMinor := splitVersion(coreSDUIVersion)

	if pMajor != cMajor {
		return CompatibilityOutcome{Compatible: false, Fallback: "HIDE"}
	}
	if cMinor < pMinor {
		return CompatibilityOutcome{Compatible: false, Fallback: "BASIC_FALLBACK"}
	}
	return CompatibilityOutcome{Compatible: true, Negotiated: pluginSDUIVersion}
}

func splitVersion(v string) (int, int) {
	parts := strings.SplitN(v, ".", 2)
	major, _ := strconv.Atoi(parts[0])
	if len(parts) != 2 {
		return major, 0
	}
	minor, _ := strconv.Atoi(parts[1])
	return major, minor
}

// CycleError reports a dependency cycle. Ordered carries the prefix
// that did resolve; Trace names the plugins still locked in the cycle.
type CycleError struct {
	Ordered []Manifest
	Trace   []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("manifest dependency cycle among: %s", strings.Join(e.Trace, " -> "))
}

// TopoSort orders the manifest map via Kahn's algorithm over declared
// Dependencies, breaking ties by tier (core before extension) then by
// id lexically ascending. A manifest whose ID differs
// from its map key, or that depends on a plugin absent from the map,
// is an error. On a cycle the returned *CycleError carries the
// resolvable prefix plus the cycle trace.
func TopoSort(manifests map[string]Manifest) ([]Manifest, error) {
	indegree := make(map[string]int, len(manifests))
	dependents := make(map[string][]string)

	for key, m := range manifests {
		if m.ID != key {
			return nil, fmt.Errorf("manifest %s: id does not match its map key %q", m.ID, key)
		}
		indegree[m.ID] = 0
	}
	for _, m := range manifests {
		for _, dep := range m.Dependencies {
			if _, ok := manifests[dep]; !ok {
				return nil, fmt.Errorf("manifest %s: depends on missing plugin %s", m.ID, dep)
			}
			indegree[m.ID]++
			dependents[dep] = append(dependents[dep], m.ID)
		}
	}

	var ready []string
	for id, deg := range indegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	sortReady(ready, manifests)

	var ordered []Manifest
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		ordered = append(ordered, manifests[id])

		var unlocked []string
		for _, dependent := range dependents[id] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				unlocked = append(unlocked, dependent)
			}
		}
		ready = mergeSorted(ready, unlocked, manifests)
	}

	if len(ordered) != len(manifests) {
		resolved := make(map[string]bool, len(ordered))
		for _, m := range ordered {
			resolved[m.ID] = true
		}
		var trace []string
		for id := range manifests {
			if !resolved[id] {
				trace = append(trace, id)
			}
		}
		sort.Strings(trace)
		return ordered, &CycleError{Ordered: ordered, Trace: trace}
	}
	return ordered, nil
}

// sortReady applies the tie-break: core tier before extension tier,
// then id lexically ascending.
func sortReady(ids []string, byID map[string]Manifest) {
	sort.Slice(ids, func(i, j int) bool {
		a, b := byID[ids[i]], byID[ids[j]]
		if a.Tier != b.Tier {
			return a.Tier == TierCore
		}
		return a.ID < b.ID
	})
}

func mergeSorted(a, b []string, byID map[string]Manifest) []string {
	merged := append(a, b...)
	sortReady(merged, byID)
	return merged
}
