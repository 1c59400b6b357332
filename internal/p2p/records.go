package p2p

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/biddy-ledger/biddy/internal/storage"
)

// Key namespaces inside the node database.
var (
	peerNamespace = []byte("p2p/peer/")
	banNamespace  = []byte("p2p/ban/")
)

const (
	staleThreshold    = 24 * time.Hour
	persistInterval   = 5 * time.Minute
	maxPersistedPeers = 500
)

// recordStore keeps JSON records keyed by peer ID in one namespace.
type recordStore[T any] struct {
	db *storage.PrefixDB
}

func newRecordStore[T any](db storage.DB, namespace []byte) recordStore[T] {
	return recordStore[T]{db: storage.NewPrefixDB(db, namespace)}
}

func (s recordStore[T]) get(id string) (*T, error) {
	data, err := s.db.Get([]byte(id))
	if err != nil {
		return nil, err
	}
	var rec T
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal record %s: %w", id, err)
	}
	return &rec, nil
}

func (s recordStore[T]) put(id string, rec *T) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record %s: %w", id, err)
	}
	return s.db.Put([]byte(id), data)
}

func (s recordStore[T]) has(id string) (bool, error) {
	return s.db.Has([]byte(id))
}

func (s recordStore[T]) delete(id string) error {
	return s.db.Delete([]byte(id))
}

// forEach visits decodable records. Corrupt ones are skipped.
func (s recordStore[T]) forEach(fn func(*T) error) error {
	return s.db.ForEach(nil, func(_, value []byte) error {
		var rec T
		if err := json.Unmarshal(value, &rec); err != nil {
			return nil
		}
		return fn(&rec)
	})
}

// prune deletes records for which drop returns true, plus corrupt ones,
// in one batch.
func (s recordStore[T]) prune(drop func(*T) bool) (int, error) {
	b := storage.NewBatch(s.db)
	n := 0
	err := s.db.ForEach(nil, func(key, value []byte) error {
		var rec T
		if err := json.Unmarshal(value, &rec); err == nil && !drop(&rec) {
			return nil
		}
		n++
		return b.Delete(append([]byte(nil), key...))
	})
	if err != nil {
		return 0, fmt.Errorf("iterate for prune: %w", err)
	}
	if n == 0 {
		return 0, nil
	}
	if err := b.Commit(); err != nil {
		return 0, fmt.Errorf("commit prune: %w", err)
	}
	return n, nil
}

func (s recordStore[T]) clear() error {
	return s.db.DeleteAll()
}

func (s recordStore[T]) count() (int, error) {
	n := 0
	err := s.db.ForEach(nil, func(_, _ []byte) error {
		n++
		return nil
	})
	return n, err
}

// PeerRecord is a persisted peer entry.
type PeerRecord struct {
	ID       string   `json:"id"`
	Addrs    []string `json:"addrs"`
	LastSeen int64    `json:"last_seen"`
	Source   string   `json:"source"`
}

// PeerStore persists known peers so they can be redialed after a restart.
type PeerStore struct {
	records recordStore[PeerRecord]
}

// NewPeerStore creates a PeerStore in db.
func NewPeerStore(db storage.DB) *PeerStore {
	return &PeerStore{records: newRecordStore[PeerRecord](db, peerNamespace)}
}

// Save persists a peer record. New peers are skipped once the store holds
// maxPersistedPeers records.
func (ps *PeerStore) Save(rec PeerRecord) error {
	exists, err := ps.records.has(rec.ID)
	if err != nil {
		return fmt.Errorf("check peer exists: %w", err)
	}
	if !exists {
		count, err := ps.Count()
		if err != nil {
			return err
		}
		if count >= maxPersistedPeers {
			return nil
		}
	}
	return ps.records.put(rec.ID, &rec)
}

// Load returns the record for one peer.
func (ps *PeerStore) Load(id peer.ID) (*PeerRecord, error) {
	return ps.records.get(id.String())
}

// LoadAll returns all persisted peer records.
func (ps *PeerStore) LoadAll() ([]PeerRecord, error) {
	var out []PeerRecord
	err := ps.records.forEach(func(rec *PeerRecord) error {
		out = append(out, *rec)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("iterate peer records: %w", err)
	}
	return out, nil
}

// Delete removes a peer record.
func (ps *PeerStore) Delete(id peer.ID) error {
	return ps.records.delete(id.String())
}

// PruneStale removes records not seen within threshold.
func (ps *PeerStore) PruneStale(threshold time.Duration) (int, error) {
	cutoff := time.Now().Add(-threshold).Unix()
	return ps.records.prune(func(rec *PeerRecord) bool { return rec.LastSeen < cutoff })
}

// Count returns the number of persisted peer records.
func (ps *PeerStore) Count() (int, error) {
	n, err := ps.records.count()
	if err != nil {
		return 0, fmt.Errorf("count peers: %w", err)
	}
	return n, nil
}

// BanRecord is a persisted ban entry.
type BanRecord struct {
	ID        string `json:"id"`
	Reason    string `json:"reason"`
	Score     int    `json:"score"`
	BannedAt  int64  `json:"banned_at"`
	ExpiresAt int64  `json:"expires_at"` // 0 = permanent
}

// IsExpired reports whether a non-permanent ban has run out.
func (r *BanRecord) IsExpired() bool {
	return r.ExpiresAt > 0 && time.Now().Unix() >= r.ExpiresAt
}

// BanStore persists bans across restarts.
type BanStore struct {
	records recordStore[BanRecord]
}

// NewBanStore creates a BanStore in db.
func NewBanStore(db storage.DB) *BanStore {
	return &BanStore{records: newRecordStore[BanRecord](db, banNamespace)}
}

// Get returns the ban for id, or storage.ErrNotFound.
func (bs *BanStore) Get(id peer.ID) (*BanRecord, error) {
	return bs.records.get(id.String())
}

// Put persists a ban record.
func (bs *BanStore) Put(rec *BanRecord) error {
	return bs.records.put(rec.ID, rec)
}

// Delete removes a ban record.
func (bs *BanStore) Delete(id peer.ID) error {
	return bs.records.delete(id.String())
}

// ForEach visits every ban record.
func (bs *BanStore) ForEach(fn func(*BanRecord) error) error {
	return bs.records.forEach(fn)
}

// Clear removes every ban record.
func (bs *BanStore) Clear() error {
	if err := bs.records.clear(); err != nil {
		return fmt.Errorf("clear bans: %w", err)
	}
	return nil
}

// PruneExpired removes expired bans.
func (bs *BanStore) PruneExpired() (int, error) {
	return bs.records.prune(func(rec *BanRecord) bool { return rec.IsExpired() })
}
