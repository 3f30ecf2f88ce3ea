package config

import "slices"

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// LiveChanged is true if any live session setting changed. Those apply
	// on the next connect.
	LiveChanged bool

	// RestartRequired is true if a setting changed that is only read at
	// startup: listen address, credentials, endpoint or audio formats.
	RestartRequired bool

	// Fields lists the dotted names of every changed field, in schema order.
	// Secrets are reported by name only.
	Fields []string
}

// Changed reports whether any field differs.
func (d ConfigDiff) Changed() bool { return len(d.Fields) > 0 }

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}
	mark := func(changed bool, field string) bool {
		if changed {
			d.Fields = append(d.Fields, field)
		}
		return changed
	}

	if mark(old.Server.ListenAddr != new.Server.ListenAddr, "server.listen_addr") {
		d.RestartRequired = true
	}
	if mark(old.Server.LogLevel != new.Server.LogLevel, "server.log_level") {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if mark(old.Live.APIKey != new.Live.APIKey, "live.api_key") {
		d.RestartRequired = true
	}
	if mark(old.Live.BaseURL != new.Live.BaseURL, "live.base_url") {
		d.RestartRequired = true
	}
	live := []bool{
		mark(old.Live.Model != new.Live.Model, "live.model"),
		mark(old.Live.Voice != new.Live.Voice, "live.voice"),
		mark(old.Live.SystemInstruction != new.Live.SystemInstruction, "live.system_instruction"),
		mark(!slices.Equal(old.Live.ResponseModalities, new.Live.ResponseModalities), "live.response_modalities"),
	}
	d.LiveChanged = slices.Contains(live, true)

	audio := []bool{
		mark(old.Audio.InputSampleRate != new.Audio.InputSampleRate, "audio.input_sample_rate"),
		mark(old.Audio.OutputSampleRate != new.Audio.OutputSampleRate, "audio.output_sample_rate"),
		mark(old.Audio.FrameSize != new.Audio.FrameSize, "audio.frame_size"),
	}
	if slices.Contains(audio, true) {
		d.RestartRequired = true
	}
	return d
}
