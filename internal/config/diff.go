package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; provider and
// network changes require a restart and are deliberately ignored here.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// BargeInChanged is true when session.allow_barge_in flipped.
	BargeInChanged bool
	NewBargeIn     bool

	// BoardContextChanged is true when session.board_context flipped.
	BoardContextChanged bool
	NewBoardContext     bool

	// VoiceChanged is true when any session.voice field changed. A new TTS
	// stream picks it up on the next queue item.
	VoiceChanged bool
	NewVoice     VoiceConfig

	// TimingChanged is true when the endpointing baselines changed. Applied
	// on the next backend stream (re)start per speaker.
	TimingChanged bool
}

// Any reports whether the diff contains at least one hot-reloadable change.
func (d ConfigDiff) Any() bool {
	return d.LogLevelChanged || d.BargeInChanged || d.BoardContextChanged ||
		d.VoiceChanged || d.TimingChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Session.AllowBargeIn != new.Session.AllowBargeIn {
		d.BargeInChanged = true
		d.NewBargeIn = new.Session.AllowBargeIn
	}

	if old.Session.BoardContext != new.Session.BoardContext {
		d.BoardContextChanged = true
		d.NewBoardContext = new.Session.BoardContext
	}

	if old.Session.Voice != new.Session.Voice {
		d.VoiceChanged = true
		d.NewVoice = new.Session.Voice
	}

	if old.Session.EndpointingMS != new.Session.EndpointingMS ||
		old.Session.UtteranceEndMS != new.Session.UtteranceEndMS {
		d.TimingChanged = true
	}

	return d
}
