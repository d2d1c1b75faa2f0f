package realtime

import "time"

// Security/performance limits.
const (
	// Max bytes per websocket frame read (hard limit). Content updates are
	// opaque blobs, so this is deliberately larger than presence traffic
	// needs.
	maxFrameBytes = 256 << 10 // 256 KiB
)

const (
	// Heartbeat defaults (overridable by env in gateway.go).
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Mid-session token re-verification cadence. Expiry must be detected
	// during a session, not only at handshake.
	tokenRecheckInterval = 30 * time.Second
)
