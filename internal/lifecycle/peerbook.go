package lifecycle

import (
	"sort"
	"sync"
	"time"
)

// PeerRecord 是某个节点的首次发现记录，写入后不再修改。
type PeerRecord struct {
	ID      string
	Address string
	FirstAt time.Time
}

// Peer 是对外展示的节点视图，LastSeen 来自后续的重复发现。
type Peer struct {
	ID       string    `json:"id"`
	Address  string    `json:"address"`
	FirstAt  time.Time `json:"first_seen"`
	LastSeen time.Time `json:"last_seen"`
}

// PeerBook 记录已知节点。
type PeerBook struct {
	mu       sync.RWMutex
	records  map[string]PeerRecord
	lastSeen map[string]time.Time
}

// NewPeerBook 创建空的 PeerBook。
func NewPeerBook() *PeerBook {
	return &PeerBook{
		records:  make(map[string]PeerRecord),
		lastSeen: make(map[string]time.Time),
	}
}

// Record 记录一次发现，返回节点是否为首次出现。重复发现只刷新 LastSeen。
func (b *PeerBook) Record(id, address string, at time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if at.After(b.lastSeen[id]) {
		b.lastSeen[id] = at
	}
	if _, ok := b.records[id]; ok {
		return false
	}
	b.records[id] = PeerRecord{ID: id, Address: address, FirstAt: at}
	return true
}

// Lookup 返回节点的首次发现记录。
func (b *PeerBook) Lookup(id string) (PeerRecord, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	rec, ok := b.records[id]
	return rec, ok
}

// List 按首次发现时间返回所有节点。
func (b *PeerBook) List() []Peer {
	b.mu.RLock()
	out := make([]Peer, 0, len(b.records))
	for id, rec := range b.records {
		out = append(out, Peer{ID: rec.ID, Address: rec.Address, FirstAt: rec.FirstAt, LastSeen: b.lastSeen[id]})
	}
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].FirstAt.Equal(out[j].FirstAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].FirstAt.Before(out[j].FirstAt)
	})
	return out
}

// Len 返回已知节点数量。
func (b *PeerBook) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.records)
}
