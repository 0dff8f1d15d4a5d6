// Package lease implements §4.2's LeaseManager: lease-based single-leader
// election over a coordstore.Store, fenced by monotonically increasing
// epochs. Safety comes from CAS + epoch comparison, never from wall-clock
// equality (§9's "do not use wall-clock equality for safety decisions").
//
// Shaped after jocko's own role/epoch handling in broker.go
// (isLeader/isController/monitorLeadership/readyForConsistentReads): a
// single coherent role snapshot, replaced atomically, that readers copy
// rather than lock.
package lease

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/Siya-Moghe/yak-yet-another-kafka/internal/coordstore"
	"github.com/Siya-Moghe/yak-yet-another-kafka/internal/logging"
)

// Role is this broker's belief about its relationship to the cluster lease.
type Role int

const (
	Unknown Role = iota
	Leader
	Follower
)

func (r Role) String() string {
	switch r {
	case Leader:
		return "LEADER"
	case Follower:
		return "FOLLOWER"
	default:
		return "UNKNOWN"
	}
}

// leaseRecord is the value stored at the lease key (§3's "Lease record").
type leaseRecord struct {
	HolderBrokerID int32     `json:"holder_broker_id"`
	Epoch          uint64    `json:"epoch"`
	ExpiresAtMS    int64     `json:"expires_at_ms"`
}

// Snapshot is a single coherent point-in-time view of role/epoch/leader,
// the "single value replaced atomically" §9 calls for.
type Snapshot struct {
	Role         Role
	Epoch        uint64
	LeaderID     int32
	LeaderExists bool
}

const leaseKey = "yak:lease"

// Manager runs the acquire/renew loop and exposes the current Snapshot.
type Manager struct {
	store      coordstore.Store
	brokerID   int32
	ttl        time.Duration
	renewEvery time.Duration
	logger     *logging.Logger

	snapshot atomic.Value // Snapshot

	mu        sync.Mutex
	onChange  []func(Snapshot)
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// New returns a Manager that has not yet started its background loop.
func New(store coordstore.Store, brokerID int32, ttl, renewEvery time.Duration, logger *logging.Logger) *Manager {
	m := &Manager{
		store:      store,
		brokerID:   brokerID,
		ttl:        ttl,
		renewEvery: renewEvery,
		logger:     logger,
		stopCh:     make(chan struct{}),
		stoppedCh:  make(chan struct{}),
	}
	m.snapshot.Store(Snapshot{Role: Unknown})
	return m
}

// Snapshot returns the current role/epoch/leader view. Safe for concurrent
// use; callers get a cheap, consistent copy.
func (m *Manager) Snapshot() Snapshot {
	return m.snapshot.Load().(Snapshot)
}

// OnChange registers a callback invoked whenever the snapshot's Role
// changes (e.g. the broker's replication coordinator starting/stopping
// push tasks on LEADER<->FOLLOWER transitions).
func (m *Manager) OnChange(fn func(Snapshot)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = append(m.onChange, fn)
}

func (m *Manager) setSnapshot(s Snapshot) {
	prev := m.Snapshot()
	m.snapshot.Store(s)
	if prev.Role != s.Role {
		m.mu.Lock()
		cbs := append([]func(Snapshot){}, m.onChange...)
		m.mu.Unlock()
		for _, cb := range cbs {
			cb(s)
		}
	}
}

// Run drives the acquire/renew loop until ctx is cancelled or Stop is
// called. It should run in its own goroutine for the life of the broker.
func (m *Manager) Run(ctx context.Context) {
	defer close(m.stoppedCh)
	ticker := time.NewTicker(m.renewEvery)
	defer ticker.Stop()

	m.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

// Stop ends the Run loop and blocks until it has exited.
func (m *Manager) Stop() {
	select {
	case <-m.stopCh:
	default:
		close(m.stopCh)
	}
	<-m.stoppedCh
}

func (m *Manager) tick(ctx context.Context) {
	cur := m.Snapshot()
	if cur.Role == Leader {
		m.renew(ctx, cur)
		return
	}
	m.acquire(ctx)
}

// acquire implements §4.2's CAS acquisition: IF lease_absent OR
// lease.expires_at < now THEN set{holder=self, epoch=prior_epoch+1,
// expires_at=now+TTL}.
func (m *Manager) acquire(ctx context.Context) {
	entry, err := m.store.Get(ctx, leaseKey)
	var expected []byte
	var priorEpoch uint64
	switch {
	case errors.Is(err, coordstore.ErrNotFound):
		expected = nil
	case err != nil:
		m.logger.Warn("lease: get failed", logging.Error("error", err))
		m.setSnapshot(Snapshot{Role: Unknown})
		return
	default:
		var rec leaseRecord
		if jerr := json.Unmarshal(entry.Value, &rec); jerr != nil {
			m.logger.Warn("lease: corrupt lease record", logging.Error("error", jerr))
			return
		}
		priorEpoch = rec.Epoch
		if time.Now().Before(time.UnixMilli(rec.ExpiresAtMS)) {
			// Lease held and live by someone else (or by us, but we are not
			// in LEADER state locally, meaning we lost and rejoined).
			m.setSnapshot(Snapshot{Role: Follower, Epoch: rec.Epoch, LeaderID: rec.HolderBrokerID, LeaderExists: true})
			return
		}
		expected = entry.Value
	}

	newRec := leaseRecord{
		HolderBrokerID: m.brokerID,
		Epoch:          priorEpoch + 1,
		ExpiresAtMS:    time.Now().Add(m.ttl).UnixMilli(),
	}
	newVal, err := json.Marshal(newRec)
	if err != nil {
		m.logger.Error("lease: marshal failed", logging.Error("error", err))
		return
	}

	if err := m.store.CAS(ctx, leaseKey, expected, newVal, m.ttl); err != nil {
		if errors.Is(err, coordstore.ErrCASMismatch) {
			// Someone else won the race; re-read to learn who, next tick.
			m.setSnapshot(Snapshot{Role: Unknown})
			return
		}
		m.logger.Warn("lease: acquire CAS failed", logging.Error("error", err))
		m.setSnapshot(Snapshot{Role: Unknown})
		return
	}

	m.logger.Info("lease: acquired leadership",
		logging.Int32("broker_id", m.brokerID), logging.Uint64("epoch", newRec.Epoch))
	m.setSnapshot(Snapshot{Role: Leader, Epoch: newRec.Epoch, LeaderID: m.brokerID, LeaderExists: true})
}

// renew implements §4.2's renewal CAS: IF holder=self AND epoch=my_epoch
// THEN extend expires_at. Any failure demotes immediately to UNKNOWN.
func (m *Manager) renew(ctx context.Context, cur Snapshot) {
	entry, err := m.store.Get(ctx, leaseKey)
	if err != nil {
		m.logger.Warn("lease: renew get failed, stepping down", logging.Error("error", err))
		m.setSnapshot(Snapshot{Role: Unknown})
		return
	}
	var rec leaseRecord
	if err := json.Unmarshal(entry.Value, &rec); err != nil {
		m.setSnapshot(Snapshot{Role: Unknown})
		return
	}
	if rec.HolderBrokerID != m.brokerID || rec.Epoch != cur.Epoch {
		m.logger.Warn("lease: fenced out during renewal, stepping down",
			logging.Int32("holder", rec.HolderBrokerID), logging.Uint64("epoch", rec.Epoch))
		m.setSnapshot(Snapshot{Role: Unknown})
		return
	}

	newRec := leaseRecord{
		HolderBrokerID: m.brokerID,
		Epoch:          cur.Epoch,
		ExpiresAtMS:    time.Now().Add(m.ttl).UnixMilli(),
	}
	newVal, err := json.Marshal(newRec)
	if err != nil {
		return
	}
	if err := m.store.CAS(ctx, leaseKey, entry.Value, newVal, m.ttl); err != nil {
		m.logger.Warn("lease: renew CAS failed, stepping down", logging.Error("error", err))
		m.setSnapshot(Snapshot{Role: Unknown})
		return
	}
	m.setSnapshot(Snapshot{Role: Leader, Epoch: cur.Epoch, LeaderID: m.brokerID, LeaderExists: true})
}

// ForceStepDown immediately demotes this broker to UNKNOWN without waiting
// for the next renewal tick, used when a peer's response reveals our epoch
// is stale (§4.3 step 4: "On 409 EPOCH_STALE — step down").
func (m *Manager) ForceStepDown() {
	if m.Snapshot().Role == Leader {
		m.logger.Warn("lease: forced step-down (observed higher epoch)")
	}
	m.setSnapshot(Snapshot{Role: Unknown})
}

// Release deletes the lease on clean shutdown, for faster failover (§5
// "Cancellation": "the lease may optionally be released via a CAS-delete").
// Only effective if we currently believe we are the leader; the delete
// itself is unconditional, not a compare-and-delete.
func (m *Manager) Release(ctx context.Context) error {
	cur := m.Snapshot()
	if cur.Role != Leader {
		return nil
	}
	return m.store.Delete(ctx, leaseKey)
}
