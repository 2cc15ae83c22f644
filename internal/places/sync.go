package places

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/places-core/internal/telemetry"
)

// keyLength is the size in bytes of each key in a KeyBundle.
const keyLength = 32

// ClientInit carries the network configuration for one sync run.
type ClientInit struct {
	// StorageURL is the base URL of the user's storage node.
	StorageURL string

	// AccessToken authorizes requests to the storage node.
	AccessToken string

	// KeyID identifies the key the token was issued for.
	KeyID string
}

// KeyBundle holds the symmetric keys that protect synced records.
type KeyBundle struct {
	EncKey  []byte
	HMACKey []byte
}

// NewKeyBundle validates and copies a pair of 32-byte keys.
func NewKeyBundle(encKey, hmacKey []byte) (KeyBundle, error) {
	if len(encKey) != keyLength || len(hmacKey) != keyLength {
		return KeyBundle{}, fmt.Errorf("%w: keys must be %d bytes", ErrInvalidKeyBundle, keyLength)
	}
	return KeyBundle{
		EncKey:  append([]byte(nil), encKey...),
		HMACKey: append([]byte(nil), hmacKey...),
	}, nil
}

// KeyBundleFromBase64 decodes a pair of standard base64 keys.
func KeyBundleFromBase64(encKey, hmacKey string) (KeyBundle, error) {
	enc, err := base64.StdEncoding.DecodeString(encKey)
	if err != nil {
		return KeyBundle{}, fmt.Errorf("%w: encryption key: %v", ErrInvalidKeyBundle, err)
	}
	mac, err := base64.StdEncoding.DecodeString(hmacKey)
	if err != nil {
		return KeyBundle{}, fmt.Errorf("%w: hmac key: %v", ErrInvalidKeyBundle, err)
	}
	return NewKeyBundle(enc, mac)
}

// ClientInfo is what a sync store learns from the server the first time it
// talks to it. Brokers keep it across sync runs.
type ClientInfo struct {
	// ClientID identifies this device to the storage node.
	ClientID string

	// StorageURL is the endpoint the info was negotiated with. A store
	// renegotiates when the configured endpoint changes.
	StorageURL string

	// MaxPostRecords is the server's upload batch limit.
	MaxPostRecords int

	// NegotiatedAt is when the server configuration was fetched.
	NegotiatedAt time.Time
}

// ClientInfoCache holds the ClientInfo for one broker.
type ClientInfoCache struct {
	mu   sync.Mutex
	info *ClientInfo
}

// Get returns the cached info, if any.
func (c *ClientInfoCache) Get() (ClientInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.info == nil {
		return ClientInfo{}, false
	}
	return *c.info, true
}

// Set replaces the cached info.
func (c *ClientInfoCache) Set(info ClientInfo) {
	c.mu.Lock()
	c.info = &info
	c.mu.Unlock()
}

// Clear drops the cached info so the next run negotiates again.
func (c *ClientInfoCache) Clear() {
	c.mu.Lock()
	c.info = nil
	c.mu.Unlock()
}

// SyncStore runs the sync protocol over one sync connection.
type SyncStore interface {
	Sync(ctx context.Context, init ClientInit, keys KeyBundle, ping *telemetry.SyncPing) error
}

// SyncStoreFactory builds the store for one Sync call. The connection is
// valid only until the call returns; the cache lives as long as the broker.
type SyncStoreFactory func(conn *SyncConn, cache *ClientInfoCache) SyncStore

// syncState is created by a broker's first Sync call.
type syncState struct {
	clientInfo *ClientInfoCache
}
