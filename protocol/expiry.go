package protocol

import "time"

// Default TTLs by message category.
var defaultTTLs = map[string]time.Duration{
	TypePing: 30 * time.Second,
	TypePong: 30 * time.Second,

	TypeShuttleStatus: 30 * time.Second,
	TypePLCState:      2 * time.Minute,

	// A queued motion request that waited this long is no longer wanted.
	TypeOpRequest: 5 * time.Minute,

	TypeOpResult:          30 * time.Minute,
	TypeWorkflowStarted:   30 * time.Minute,
	TypeWorkflowStep:      30 * time.Minute,
	TypeWorkflowFinished:  60 * time.Minute,
	TypeShuttleCritical:   60 * time.Minute,
	TypeShuttleConnection: 10 * time.Minute,
	TypeLocationChanged:   60 * time.Minute,
}

// FallbackTTL is used when no specific TTL is configured.
const FallbackTTL = 10 * time.Minute

// DefaultTTLFor returns the default TTL for a message type.
func DefaultTTLFor(msgType string) time.Duration {
	if ttl, ok := defaultTTLs[msgType]; ok {
		return ttl
	}
	return FallbackTTL
}

// IsExpired returns true if the envelope has passed its expiry time.
func IsExpired(env *Envelope) bool {
	if env.ExpiresAt.IsZero() {
		return false
	}
	return time.Now().UTC().After(env.ExpiresAt)
}

// IsExpiredHeader checks expiry using only the raw header.
func IsExpiredHeader(hdr *RawHeader) bool {
	if hdr.ExpiresAt.IsZero() {
		return false
	}
	return time.Now().UTC().After(hdr.ExpiresAt)
}
