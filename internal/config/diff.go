package config

import "slices"

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// AutosaveChanged is true when autosave was toggled or its debounce
	// changed. Applies to sessions started afterwards.
	AutosaveChanged bool

	// GameplayChanged is true when a gameplay default changed. Applies to
	// games created afterwards.
	GameplayChanged bool

	// RestartRequired lists changed settings that only take effect after a
	// restart, as dotted YAML paths.
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.AutosaveChanged && !d.GameplayChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Autosave.IsEnabled() != new.Autosave.IsEnabled() || old.Autosave.Debounce != new.Autosave.Debounce {
		d.AutosaveChanged = true
	}
	if old.Gameplay != new.Gameplay {
		d.GameplayChanged = true
	}

	restart := []struct {
		path     string
		old, new string
	}{
		{"server.listen_addr", old.Server.ListenAddr, new.Server.ListenAddr},
		{"storage.backend", string(old.Storage.Backend), string(new.Storage.Backend)},
		{"storage.dir", old.Storage.Dir, new.Storage.Dir},
		{"storage.sqlite_path", old.Storage.SQLitePath, new.Storage.SQLitePath},
		{"storage.postgres_dsn", old.Storage.PostgresDSN, new.Storage.PostgresDSN},
		{"cases.path", old.Cases.Path, new.Cases.Path},
	}
	for _, r := range restart {
		if r.old != r.new {
			d.RestartRequired = append(d.RestartRequired, r.path)
		}
	}
	slices.Sort(d.RestartRequired)

	return d
}
