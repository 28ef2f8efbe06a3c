package manifest

import "testing"

func validManifest() Manifest {
	return Manifest{
		ID:             "com.meristem.example",
		Version:        "1.0.0",
		Tier:           TierExtension,
		RuntimeProfile: RuntimeSandbox,
		SDUIVersion:    "2.1",
		Entry:          "index.js",
		UI:             UI{Mode: "SDUI"},
		UIContract: UIContract{
			Route:           "/plugins/example",
			Channels:        []string{"plugin.example.events"},
			DefaultLogLevel: "info",
			StreamProfile:   "balanced",
		},
		Permissions: []string{"nats:pub"},
	}
}

func asMap(ms ...Manifest) map[string]Manifest {
	out := make(map[string]Manifest, len(ms))
	for _, m := range ms {
		out[m.ID] = m
	}
	return out
}

func TestValidateAcceptsWellFormedManifest(t *testing.T) {
	if err := Validate(validManifest()); err != nil {
		t.Fatalf("expected a valid manifest to pass, got %v", err)
	}
}

func TestValidateRejectsPathTraversalEntry(t *testing.T) {
	m := validManifest()
	m.Entry = "../../etc/passwd"
	if err := Validate(m); err == nil {
		t.Fatal("expected an error for an entry path escaping the plugin root")
	}
}

func TestValidateAcceptsInternalDotDot(t *testing.T) {
	m := validManifest()
	m.Entry = "dist/../index.js"
	if err := Validate(m); err != nil {
		t.Fatalf("a dot-dot that stays inside the root must pass, got %v", err)
	}
}

func TestValidateRejectsUnknownPermission(t *testing.T) {
	m := validManifest()
	m.Permissions = []string{"totally:unknown"}
	if err := Validate(m); err == nil {
		t.Fatal("expected an error for a permission outside the closed vocabulary")
	}
}

func TestValidateRejectsBadSDUIVersion(t *testing.T) {
	m := validManifest()
	m.SDUIVersion = "v2"
	if err := Validate(m); err == nil {
		t.Fatal("expected an error for a malformed sdui_version")
	}
}

func TestValidateRejectsBadUIContract(t *testing.T) {
	m := validManifest()
	m.UIContract.StreamProfile = "turbo"
	if err := Validate(m); err == nil {
		t.Fatal("expected an error for a stream profile outside the enum")
	}
	m = validManifest()
	m.UIContract.DefaultLogLevel = "trace"
	if err := Validate(m); err == nil {
		t.Fatal("expected an error for a log level outside the enum")
	}
}

func TestValidateCollectsMultipleIssues(t *testing.T) {
	m := Manifest{ID: "not-reverse-dns"}
	err := Validate(m)
	if err == nil {
		t.Fatal("expected a validation error")
	}
	ve, ok := err.(*ValidationError)
	if !ok {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
	if len(ve.Issues) < 2 {
		t.Fatalf("expected multiple collected issues, got %d: %v", len(ve.Issues), ve.Issues)
	}
}

func TestTopoSortOrdersCoreBeforeExtension(t *testing.T) {
	a := validManifest()
	a.ID = "com.meristem.aaa"
	a.Tier = TierExtension

	b := validManifest()
	b.ID = "com.meristem.bbb"
	b.Tier = TierCore

	ordered, err := TopoSort(asMap(a, b))
	if err != nil {
		t.Fatalf("TopoSort: %v", err)
	}
	if ordered[0].ID != "com.meristem.bbb" {
		t.Fatalf("expected core-tier plugin first, got %s", ordered[0].ID)
	}
}

func TestTopoSortRespectsDependencies(t *testing.T) {
	base := validManifest()
	base.ID = "com.meristem.base"

	dependent := validManifest()
	dependent.ID = "com.meristem.dependent"
	dependent.Dependencies = []string{"com.meristem.base"}

	ordered, err := TopoSort(asMap(dependent, base))
	if err != nil {
		t.Fatalf("TopoSort: %v", err)
	}
	if ordered[0].ID != "com.meristem.base" || ordered[1].ID != "com.meristem.dependent" {
		t.Fatalf("expected base before dependent, got %v", []string{ordered[0].ID, ordered[1].ID})
	}
}

func TestTopoSortRejectsMissingDependency(t *testing.T) {
	m := validManifest()
	m.Dependencies = []string{"com.meristem.ghost"}
	if _, err := TopoSort(asMap(m)); err == nil {
		t.Fatal("expected an error for a dependency absent from the set")
	}
}

func TestTopoSortRejectsKeyMismatch(t *testing.T) {
	m := validManifest()
	if _, err := TopoSort(map[string]Manifest{"wrong.key": m}); err == nil {
		t.Fatal("expected an error when a manifest id differs from its map key")
	}
}

func TestTopoSortCycleReturnsPrefixAndTrace(t *testing.T) {
	solo := validManifest()
	solo.ID = "com.meristem.solo"

	a := validManifest()
	a.ID = "com.meristem.a"
	a.Dependencies = []string{"com.meristem.b"}

	b := validManifest()
	b.ID = "com.meristem.b"
	b.Dependencies = []string{"com.meristem.a"}

	ordered, err := TopoSort(asMap(solo, a, b))
	ce, ok := err.(*CycleError)
	if !ok {
		t.Fatalf("expected *CycleError, got %v", err)
	}
	if len(ordered) != 1 || ordered[0].ID != "com.meristem.solo" {
		t.Fatalf("expected the resolvable prefix [solo], got %v", ordered)
	}
	if len(ce.Trace) != 2 {
		t.Fatalf("expected both cycle members in the trace, got %v", ce.Trace)
	}
}

func TestSDUICompatibilityMajorMismatchHides(t *testing.T) {
	out := ResolveSDUICompatibility("2.0", "1.5")
	if out.Compatible || out.Fallback != "HIDE" {
		t.Fatalf("expected HIDE fallback for a major mismatch, got %+v", out)
	}
}

func TestSDUICompatibilityMinorMismatchFallsBack(t *testing.T) {
	out := ResolveSDUICompatibility("1.9", "1.5")
	if out.Compatible || out.Fallback != "BASIC_FALLBACK" {
		t.Fatalf("expected BASIC_FALLBACK when the core minor lags, got %+v", out)
	}
}

func TestSDUICompatibilityExactMatchNegotiatesPluginVersion(t *testing.T) {
	out := ResolveSDUICompatibility("1.5", "1.5")
	if !out.Compatible || out.Negotiated != "1.5" {
		t.Fatalf("expected compatible with negotiated=1.5, got %+v", out)
	}
}
