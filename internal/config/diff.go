package config

import "reflect"

// ConfigDiff describes what changed between two configs. Only the log level
// can be applied to a running interview; every other changed block is
// listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired names the top-level blocks ("service", "providers",
	// ...) whose changes take effect with the next interview.
	RestartRequired []string
}

// Changed reports whether anything differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""
	blocks := []struct {
		name     string
		old, new any
	}{
		{"server", oldServer, newServer},
		{"service", old.Service, new.Service},
		{"providers", old.Providers, new.Providers},
		{"voice", old.Voice, new.Voice},
		{"capture", old.Capture, new.Capture},
		{"interview", old.Interview, new.Interview},
	}
	for _, b := range blocks {
		if !reflect.DeepEqual(b.old, b.new) {
			d.RestartRequired = append(d.RestartRequired, b.name)
		}
	}
	return d
}
