package authflow

import "time"

// Timing knobs for the auth flows. Vars, not consts, so tests can shrink
// the intervals.
var (
	// DefaultSessionTTL bounds a whole flow when the caller passes zero.
	DefaultSessionTTL = 10 * time.Minute

	// DevicePollInterval is the floor between device-token polls; the
	// authorization server's interval hint can only raise it.
	DevicePollInterval = 5 * time.Second

	// DevicePollSlowdown is added to the interval on a slow_down response.
	DevicePollSlowdown = 5 * time.Second

	// CallbackShutdownGrace is how long a loopback listener waits for
	// in-flight responses before closing.
	CallbackShutdownGrace = 2 * time.Second

	// TokenExchangeTimeout bounds a single token-endpoint round trip.
	TokenExchangeTimeout = 30 * time.Second

	// PTYReadIdle is how long the CLI-delegated driver waits without
	// output before treating the child as settled.
	PTYReadIdle = 3 * time.Second

	// MenuKeystrokeGap spaces the keypresses that navigate a login menu so
	// the TUI can repaint between them.
	MenuKeystrokeGap = 100 * time.Millisecond
)

// Fixed loopback callback ports per engine family. The engine CLIs register
// these exact redirect URIs with their providers, so they are not tunable.
const (
	PortOpenAI      = 1455
	PortGemini      = 51122
	PortIFlow       = 11451
	PortAntigravity = 51121
)

// CallbackPath is the redirect path all families share.
const CallbackPath = "/auth/callback"
