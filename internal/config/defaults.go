package config

// DefaultMessage is the commit message template used when none is
// configured. "{downloaded}" is replaced by the success count.
const DefaultMessage = "Downloaded {downloaded} URLs"

// DefaultBacklogLimit bounds submitted-but-unresolved jobs before input
// reading pauses.
const DefaultBacklogLimit = 1000

// DefaultShutdownGraceSeconds is how long a cancelled batch waits for the
// addurl worker to drain before killing it.
const DefaultShutdownGraceSeconds = 60

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Paths: Paths{
			Repo: ".",
		},
		Downloads: Downloads{
			Jobs:                 0,
			BacklogLimit:         DefaultBacklogLimit,
			ShutdownGraceSeconds: DefaultShutdownGraceSeconds,
		},
		Commit: Commit{
			Save:       true,
			SaveOnFail: true,
			Message:    DefaultMessage,
		},
		Logging: Logging{
			Level:  "info",
			Format: "auto",
		},
	}
}
