package config

// ConfigDiff lists the differences between two configs that a running
// service can absorb. Provider, database, and listener changes take
// effect only on restart and are never reported here.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// TrackerChanged covers the tracker tuning fields. Sessions created
	// after the change use the new values; live sessions keep theirs.
	TrackerChanged bool
	NewTracker     TrackerConfig

	// LocatorChanged covers the locator confidence cutoff.
	LocatorChanged bool
	NewLocator     LocatorConfig
}

// Any reports whether the diff contains at least one applicable change.
func (d ConfigDiff) Any() bool {
	return d.LogLevelChanged || d.TrackerChanged || d.LocatorChanged
}

// Diff returns the hot-reloadable differences between old and new.
func Diff(old, new *Config) ConfigDiff {
	var d ConfigDiff
	if lvl := new.Server.LogLevel; lvl != old.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = lvl
	}
	if new.Tracker != old.Tracker {
		d.TrackerChanged = true
		d.NewTracker = new.Tracker
	}
	if new.Locator != old.Locator {
		d.LocatorChanged = true
		d.NewLocator = new.Locator
	}
	return d
}
