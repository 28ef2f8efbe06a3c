// Pacman-style plugin operations. These act on the plugin directory
// under --home (default $MERISTEM_HOME, falling back to the current
// directory), framed as pacman subcommands
// (-Sy/-Ss/-S/-Su/-Syu/-Q/-Qk).
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/meristem/core/internal/plugin/manifest"
)

// runPacman dispatches one of the Pacman-style plugin subcommands.
// It never returns; it calls os.Exit with 0 (success), 1 (runtime
// failure) or 2 (usage error)
func runPacman(args []string) {
	cmd := args[0]
	rest, home := extractHome(args[1:])

	plugins, err := manifest.LoadDir(home)
	if err != nil {
		fmt.Fprintf(os.Stderr, "meristemd: %v\n", err)
		os.Exit(1)
	}

	switch cmd {
	case "-Sy":
		fmt.Printf("refreshed %d plugin manifest(s) under %s\n", len(plugins), home)
	case "-Ss":
		kw := ""
		if len(rest) > 0 {
			kw = rest[0]
		}
		for _, p := range plugins {
			if kw == "" || strings.Contains(p.Manifest.ID, kw) {
				fmt.Printf("%s %s (%s)\n", p.Manifest.ID, p.Manifest.Version, p.Manifest.Tier)
			}
		}
	case "-S":
		if err := runInstall(rest, plugins); err != nil {
			fmt.Fprintf(os.Stderr, "meristemd: %v\n", err)
			os.Exit(2)
		}
	case "-Su", "-Syu":
		failed := 0
		for _, p := range plugins {
			if err := manifest.Validate(p.Manifest); err != nil {
				fmt.Fprintf(os.Stderr, "%s: %v\n", p.Manifest.ID, err)
				failed++
			}
		}
		fmt.Printf("checked %d installed plugin(s), %d failing validation\n", len(plugins), failed)
		if failed > 0 {
			os.Exit(1)
		}
	case "-Q":
		for _, p := range plugins {
			fmt.Printf("%s %s\n", p.Manifest.ID, p.Manifest.Version)
		}
	case "-Qk":
		broken := 0
		for _, p := range plugins {
			if err := manifest.Validate(p.Manifest); err != nil {
				fmt.Printf("%s: BROKEN (%v)\n", p.Manifest.ID, err)
				broken++
				continue
			}
			entryPath := filepath.Join(p.Dir, p.Manifest.Entry)
			if _, err := os.Stat(entryPath); err != nil {
				fmt.Printf("%s: BROKEN (missing entry %s)\n", p.Manifest.ID, entryPath)
				broken++
				continue
			}
			fmt.Printf("%s: OK\n", p.Manifest.ID)
		}
		if broken > 0 {
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "meristemd: unrecognized operation %q\n", cmd)
		os.Exit(2)
	}
	os.Exit(0)
}

// runInstall implements `-S <id> [--ref]` and `-S --required`: it
// does not fetch from a remote registry (there isn't one in this
// deployment model) but resolves and reports the dependency closure
// that would need to already be present under --home, topologically
// ordered, mirroring the load-order resolution.
func runInstall(args []string, plugins []manifest.Discovered) error {
	if len(args) == 0 {
		return fmt.Errorf("-S requires a plugin id or --required")
	}

	byID := make(map[string]manifest.Manifest, len(plugins))
	all := make([]manifest.Manifest, 0, len(plugins))
	for _, p := range plugins {
		byID[p.Manifest.ID] = p.Manifest
		all = append(all, p.Manifest)
	}

	if args[0] == "--required" {
		set := map[string]manifest.Manifest{}
		for _, m := range all {
			if m.Tier != manifest.TierCore {
				continue
			}
			for _, dep := range closureOf(m, byID) {
				set[dep.ID] = dep
			}
		}
		ordered, err := manifest.TopoSort(set)
		if err != nil {
			return err
		}
		for _, m := range ordered {
			fmt.Printf("resolved %s %s (%s)\n", m.ID, m.Version, m.Tier)
		}
		return nil
	}

	id := args[0]
	withRef := len(args) > 1 && args[1] == "--ref"

	target, ok := byID[id]
	if !ok {
		return fmt.Errorf("plugin %s not found under the plugin base path", id)
	}

	if !withRef {
		fmt.Printf("resolved %s %s\n", target.ID, target.Version)
		return nil
	}

	set := map[string]manifest.Manifest{}
	for _, dep := range closureOf(target, byID) {
		set[dep.ID] = dep
	}
	ordered, err := manifest.TopoSort(set)
	if err != nil {
		return err
	}
	for _, m := range ordered {
		fmt.Printf("resolved %s %s\n", m.ID, m.Version)
	}
	return nil
}

// closureOf walks m's declared dependencies transitively, resolving
// each against byID; a dependency absent from byID is skipped here,
// and manifest.TopoSort then rejects the resulting set, since it
// treats a dependency missing from its input as an error.
func closureOf(m manifest.Manifest, byID map[string]manifest.Manifest) []manifest.Manifest {
	seen := map[string]bool{}
	var out []manifest.Manifest
	var walk func(manifest.Manifest)
	walk = func(cur manifest.Manifest) {
		if seen[cur.ID] {
			return
		}
		seen[cur.ID] = true
		out = append(out, cur)
		for _, dep := range cur.Dependencies {
			if d, ok := byID[dep]; ok {
				walk(d)
			}
		}
	}
	walk(m)
	return out
}

// extractHome pulls --home <path> out of args, returning the
// remaining positional args and the resolved home directory.
func extractHome(args []string) ([]string, string) {
	home := firstNonEmpty(os.Getenv("MERISTEM_HOME"), ".")
	var rest []string
	for i := 0; i < len(args); i++ {
		if args[i] == "--home" && i+1 < len(args) {
			home = args[i+1]
			i++
			continue
		}
		rest = append(rest, args[i])
	}
	return rest, home
}
