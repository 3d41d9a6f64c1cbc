package storage

import "strings"

// Tier identifies the backing medium a key routes to.
type Tier int

const (
	// TierMemory keys live only in the in-process cache.
	TierMemory Tier = iota
	// TierLocal keys persist to the device-scoped sqlite store.
	TierLocal
	// TierRemote keys persist to the remote store for cross-device access.
	TierRemote
)

// routeKey classifies a key by prefix. The table is fixed at build time;
// callers must not assume a key's routing can change at runtime.
func routeKey(key string) Tier {
	switch {
	case strings.HasPrefix(key, "cache."):
		return TierMemory
	case strings.HasPrefix(key, "pref."), strings.HasPrefix(key, "secret."):
		return TierLocal
	default:
		return TierRemote
	}
}

// sealedKey reports whether a key's value must be encrypted before it
// touches the local store.
func sealedKey(key string) bool {
	return strings.HasPrefix(key, "secret.")
}
