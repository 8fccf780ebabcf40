package ir

// Version constants for the wire protocol and the engine.
const (
	// ProtocolVersion is the change-stream protocol version sent in hello.
	ProtocolVersion = "1"

	// EngineVersion is the lofi engine version.
	EngineVersion = "0.1.0"
)
