package ir

// Version constants for the history format and engine.
const (
	// HistoryVersion is the history entry schema version.
	HistoryVersion = "1"

	// EngineVersion is the durable engine version.
	EngineVersion = "0.1.0"
)
