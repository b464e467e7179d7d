package core

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	peerDirCapacity = 1000
	peerDirTTL      = time.Hour
)

// PeerDirectory is the bounded, TTL-evicting cache of recently-seen peers
// required by the concurrency model: every read and write goes through the
// cache's single internal lock, and stale entries age out without explicit
// pruning.
type PeerDirectory struct {
	cache *lru.LRU[string, PeerInfo]
}

// NewPeerDirectory builds a directory with the default capacity (1000
// entries) and TTL (one hour).
func NewPeerDirectory() *PeerDirectory {
	return &PeerDirectory{cache: lru.NewLRU[string, PeerInfo](peerDirCapacity, nil, peerDirTTL)}
}

// Remember records or refreshes a peer's directory entry.
func (d *PeerDirectory) Remember(id string, addrs []string) {
	d.cache.Add(id, PeerInfo{ID: id, Addrs: addrs, LastSeen: time.Now().UnixMilli()})
}

// Lookup returns the cached entry for id, if present and unexpired.
func (d *PeerDirectory) Lookup(id string) (PeerInfo, bool) {
	return d.cache.Get(id)
}

// Len returns the number of live entries.
func (d *PeerDirectory) Len() int {
	return d.cache.Len()
}
