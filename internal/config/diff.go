package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are applied; everything else is
// reported in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SafetyPatternsChanged is true when safety.patterns differs.
	SafetyPatternsChanged bool
	NewSafetyPatterns     []string

	// RestartRequired lists the top-level sections (or fields) that changed
	// but only take effect after a restart.
	RestartRequired []string
}

// Changed reports whether any hot-reloadable field changed.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.SafetyPatternsChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if !slices.Equal(old.Safety.Patterns, new.Safety.Patterns) {
		d.SafetyPatternsChanged = true
		d.NewSafetyPatterns = slices.Clone(new.Safety.Patterns)
	}

	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""
	oldSafety, newSafety := old.Safety, new.Safety
	oldSafety.Patterns, newSafety.Patterns = nil, nil

	sections := []struct {
		name     string
		old, new any
	}{
		{"server", oldServer, newServer},
		{"providers", old.Providers, new.Providers},
		{"store", old.Store, new.Store},
		{"safety", oldSafety, newSafety},
		{"dispatch", old.Dispatch, new.Dispatch},
		{"session", old.Session, new.Session},
		{"tools", old.Tools, new.Tools},
		{"mcp", old.MCP, new.MCP},
	}
	for _, s := range sections {
		if !reflect.DeepEqual(s.old, s.new) {
			d.RestartRequired = append(d.RestartRequired, s.name)
		}
	}

	return d
}
