package config

// Diff describes what changed between two configs.
type Diff struct {
	// SessionChanged is set when the session block differs. The new values
	// apply to the next session start.
	SessionChanged bool

	// LogLevelChanged is set when log.level differs; NewLogLevel holds the
	// value to apply.
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired names the changed sections that only take effect after
	// a process restart.
	RestartRequired []string
}

// Changed reports whether anything differs.
func (d Diff) Changed() bool {
	return d.SessionChanged || d.LogLevelChanged || len(d.RestartRequired) > 0
}

// Compare returns what changed from old to new.
func Compare(old, new *Config) Diff {
	d := Diff{}

	if old.Session != new.Session {
		d.SessionChanged = true
	}
	if old.Log.Level != new.Log.Level {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Log.Level
	}

	if old.Server != new.Server {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	oldLog, newLog := old.Log, new.Log
	oldLog.Level, newLog.Level = "", ""
	if oldLog != newLog {
		d.RestartRequired = append(d.RestartRequired, "log")
	}
	if old.Provider != new.Provider {
		d.RestartRequired = append(d.RestartRequired, "provider")
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	return d
}
