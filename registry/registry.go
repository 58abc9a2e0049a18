// Package registry tracks which remote add-on instance is reachable through
// which live connection.
//
// At most one record exists per instance id. Registering a new connection for
// an instance replaces the previous record (last writer wins). Unregistering a
// connection that has already been superseded is a no-op, so a slow teardown of
// an old transport session can never evict the instance's newer connection.
//
// Operations on different instance ids proceed in parallel; operations on the
// same instance id serialize on that instance's shard.
package registry

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
	"time"
)

const shardCount = 32

// Conn is a live transport session to a remote instance. ID must be unique for
// the lifetime of the process.
type Conn interface {
	ID() string
	Send(ctx context.Context, payload []byte) error
}

// Record describes the live connection for one instance.
type Record struct {
	InstanceID  string
	Conn        Conn
	InstanceURL string
	Version     string
	ConnectedAt time.Time
	LastSeenAt  time.Time
}

// ConnID returns the id of the record's connection, or "" for a zero record.
func (r Record) ConnID() string {
	if r.Conn == nil {
		return ""
	}
	return r.Conn.ID()
}

type shard struct {
	mu      sync.RWMutex
	records map[string]*Record // instanceID -> record
}

// Registry is safe for concurrent use.
type Registry struct {
	shards [shardCount]shard

	// connID -> instanceID, so Unregister can find the shard from a handle alone.
	owners sync.Map

	now func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source used for ConnectedAt/LastSeenAt.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

func New(opts ...Option) *Registry {
	r := &Registry{now: time.Now}
	for i := range r.shards {
		r.shards[i].records = make(map[string]*Record)
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) shardFor(instanceID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(instanceID))
	return &r.shards[h.Sum32()%shardCount]
}

// Register upserts the record for rec.InstanceID and returns the record it
// replaced, if any.
func (r *Registry) Register(rec Record) (previous Record, replaced bool) {
	now := r.now()
	if rec.ConnectedAt.IsZero() {
		rec.ConnectedAt = now
	}
	if rec.LastSeenAt.IsZero() {
		rec.LastSeenAt = now
	}

	s := r.shardFor(rec.InstanceID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.records[rec.InstanceID]; ok {
		previous, replaced = *old, true
	}
	stored := rec
	s.records[rec.InstanceID] = &stored
	r.owners.Store(rec.ConnID(), rec.InstanceID)
	return previous, replaced
}

// Unregister removes the record owned by connID. It reports whether a live
// record was removed; a stale or unknown connID returns false.
func (r *Registry) Unregister(connID string) bool {
	v, ok := r.owners.LoadAndDelete(connID)
	if !ok {
		return false
	}
	instanceID := v.(string)

	s := r.shardFor(instanceID)
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.records[instanceID]
	if !ok || cur.ConnID() != connID {
		return false
	}
	delete(s.records, instanceID)
	return true
}

// Resolve returns the live record for instanceID. A missing record is the
// normal "instance unreachable" outcome, not an error.
func (r *Registry) Resolve(instanceID string) (Record, bool) {
	s := r.shardFor(instanceID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[instanceID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Touch refreshes LastSeenAt for the record owned by connID.
func (r *Registry) Touch(connID string) {
	v, ok := r.owners.Load(connID)
	if !ok {
		return
	}
	instanceID := v.(string)

	s := r.shardFor(instanceID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.records[instanceID]; ok && cur.ConnID() == connID {
		cur.LastSeenAt = r.now()
	}
}

// Snapshot returns all live records ordered by instance id.
func (r *Registry) Snapshot() []Record {
	var out []Record
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		for _, rec := range s.records {
			out = append(out, *rec)
		}
		s.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	return out
}
