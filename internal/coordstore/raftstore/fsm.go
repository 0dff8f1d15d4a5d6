package raftstore

import (
	"bytes"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/hashicorp/raft"
)

// opKind enumerates the commands applied through the Raft log. The store's
// CAS/SetWithTTL/Delete calls each become one opKind, replicated and applied
// identically on every replica's FSM.
type opKind string

const (
	opCAS    opKind = "cas"
	opSet    opKind = "set"
	opDelete opKind = "delete"
)

// command is the structure serialized into raft.Log.Data.
type command struct {
	Kind      opKind    `json:"kind"`
	Key       string    `json:"key"`
	Expected  []byte    `json:"expected,omitempty"`
	HasExpect bool      `json:"has_expect"`
	Value     []byte    `json:"value,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// record is a live FSM entry.
type record struct {
	Value     []byte
	ExpiresAt time.Time
}

// applyResult is returned from fsm.Apply via raft.ApplyFuture.Response().
type applyResult struct {
	err error
}

// FSM is the replicated state machine backing the coordination store: a
// plain string->bytes map with per-key TTL, mutated only through Raft log
// entries so every replica converges on the same map.
type FSM struct {
	mu   sync.RWMutex
	data map[string]record
	now  func() time.Time
}

func newFSM() *FSM {
	return &FSM{
		data: make(map[string]record),
		now:  time.Now,
	}
}

func (f *FSM) liveLocked(key string) (record, bool) {
	r, ok := f.data[key]
	if !ok {
		return record{}, false
	}
	if !r.ExpiresAt.IsZero() && f.now().After(r.ExpiresAt) {
		delete(f.data, key)
		return record{}, false
	}
	return r, true
}

// Apply implements raft.FSM.
func (f *FSM) Apply(l *raft.Log) interface{} {
	var cmd command
	if err := json.Unmarshal(l.Data, &cmd); err != nil {
		return &applyResult{err: err}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Kind {
	case opSet:
		f.data[cmd.Key] = record{Value: cmd.Value, ExpiresAt: cmd.ExpiresAt}
		return &applyResult{}
	case opDelete:
		delete(f.data, cmd.Key)
		return &applyResult{}
	case opCAS:
		cur, ok := f.liveLocked(cmd.Key)
		if cmd.HasExpect {
			if !ok || !bytes.Equal(cur.Value, cmd.Expected) {
				return &applyResult{err: errCASMismatch}
			}
		} else if ok {
			return &applyResult{err: errCASMismatch}
		}
		f.data[cmd.Key] = record{Value: cmd.Value, ExpiresAt: cmd.ExpiresAt}
		return &applyResult{}
	default:
		return &applyResult{err: errUnknownOp}
	}
}

// Snapshot implements raft.FSM.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	cp := make(map[string]record, len(f.data))
	for k, v := range f.data {
		cp[k] = v
	}
	return &fsmSnapshot{data: cp}, nil
}

// Restore implements raft.FSM.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	var data map[string]record
	if err := json.NewDecoder(rc).Decode(&data); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data = data
	return nil
}

type fsmSnapshot struct {
	data map[string]record
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		enc := json.NewEncoder(sink)
		return enc.Encode(s.data)
	}()
	if err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}
