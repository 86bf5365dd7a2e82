// Package cache persists serialized entitlement entries. Stores are dumb
// byte containers; freshness, versioning and key layout belong to the
// entitlement cache that sits on top of them.
package cache

import (
	"context"
	"strings"
)

// KeyPrefix starts every persisted entitlement key.
const KeyPrefix = "planAccess_"

// Store is a flat key/value store with prefix listing.
type Store interface {
	// Get returns ok=false when key is absent.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, keys ...string) error
	// Keys lists every key starting with prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// EntryKey builds the key for one user and limit kind.
func EntryKey(userID, limitKind string) string {
	return KeyPrefix + userID + "_" + limitKind
}

// UserPrefix is the prefix shared by every entry of userID.
func UserPrefix(userID string) string {
	return KeyPrefix + userID + "_"
}

// ParseEntryKey splits key back into user and limit kind. Limit kinds never
// contain underscores, so the last separator wins.
func ParseEntryKey(key string) (userID, limitKind string, ok bool) {
	rest, found := strings.CutPrefix(key, KeyPrefix)
	if !found {
		return "", "", false
	}
	idx := strings.LastIndex(rest, "_")
	if idx <= 0 || idx == len(rest)-1 {
		return "", "", false
	}
	return rest[:idx], rest[idx+1:], true
}
