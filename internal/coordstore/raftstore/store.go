// Package raftstore is the default coordination-store backend shipped with
// YAK: a coordstore.Store implemented as a tiny embedded Raft-replicated KV,
// adapted from jocko's own setupRaft/raftApply plumbing (hashicorp/raft +
// hashicorp/raft-boltdb) but driving a generic CAS/TTL map instead of
// jocko's topic/partition FSM. This is the same relationship etcd and Consul
// have to their own internal Raft logs: the "external coordination store"
// §9 describes can simply be a small Raft group the brokers also run.
package raftstore

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/pkg/errors"

	"github.com/Siya-Moghe/yak-yet-another-kafka/internal/coordstore"
	"github.com/Siya-Moghe/yak-yet-another-kafka/internal/logging"
)

var (
	errCASMismatch = coordstore.ErrCASMismatch
	errUnknownOp   = errors.New("raftstore: unknown op")

	// ErrNotLeader is returned by write operations when this replica is not
	// the Raft leader of the coordination-store group; callers should retry
	// against LeaderAddr() or another replica.
	ErrNotLeader = errors.New("raftstore: not the raft leader")
)

const (
	raftLogCacheSize  = 512
	snapshotsRetained = 2
)

// Config configures one replica of the coordination-store's Raft group.
type Config struct {
	LocalID        string
	RaftAddr       string
	DataDir        string
	Bootstrap      bool // true only for the first node of a brand new cluster
	ApplyTimeout   time.Duration
}

// Store is a coordstore.Store backed by an embedded Raft group.
type Store struct {
	cfg    Config
	logger *logging.Logger
	fsm    *FSM
	raft   *raft.Raft
	trans  *raft.NetworkTransport
	boltDB *raftboltdb.BoltStore
}

// New starts (or rejoins) this replica's Raft node.
func New(cfg Config, logger *logging.Logger) (*Store, error) {
	if cfg.ApplyTimeout == 0 {
		cfg.ApplyTimeout = 5 * time.Second
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, errors.Wrap(err, "raftstore: create data dir")
	}

	s := &Store{cfg: cfg, logger: logger, fsm: newFSM()}

	raftConf := raft.DefaultConfig()
	raftConf.LocalID = raft.ServerID(cfg.LocalID)
	raftConf.Logger = logger.HCLog().Named("raft")

	addr, err := net.ResolveTCPAddr("tcp", cfg.RaftAddr)
	if err != nil {
		return nil, errors.Wrap(err, "raftstore: resolve raft addr")
	}
	trans, err := raft.NewTCPTransport(cfg.RaftAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, errors.Wrap(err, "raftstore: new transport")
	}
	s.trans = trans

	snaps, err := raft.NewFileSnapshotStore(cfg.DataDir, snapshotsRetained, os.Stderr)
	if err != nil {
		return nil, errors.Wrap(err, "raftstore: new snapshot store")
	}

	boltStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft.db"))
	if err != nil {
		return nil, errors.Wrap(err, "raftstore: new bolt store")
	}
	s.boltDB = boltStore

	logStore, err := raft.NewLogCache(raftLogCacheSize, boltStore)
	if err != nil {
		return nil, errors.Wrap(err, "raftstore: new log cache")
	}

	r, err := raft.NewRaft(raftConf, s.fsm, logStore, boltStore, snaps, trans)
	if err != nil {
		return nil, errors.Wrap(err, "raftstore: new raft")
	}
	s.raft = r

	if cfg.Bootstrap {
		hasState, err := raft.HasExistingState(logStore, boltStore, snaps)
		if err != nil {
			return nil, err
		}
		if !hasState {
			cfgFuture := r.BootstrapCluster(raft.Configuration{
				Servers: []raft.Server{{ID: raftConf.LocalID, Address: trans.LocalAddr()}},
			})
			if err := cfgFuture.Error(); err != nil {
				return nil, errors.Wrap(err, "raftstore: bootstrap cluster")
			}
		}
	}

	return s, nil
}

// Join adds voterID@voterAddr to the Raft configuration. Must be called
// against the current leader.
func (s *Store) Join(voterID, voterAddr string) error {
	if s.raft.State() != raft.Leader {
		return ErrNotLeader
	}
	f := s.raft.AddVoter(raft.ServerID(voterID), raft.ServerAddress(voterAddr), 0, 0)
	return f.Error()
}

// IsLeader reports whether this replica currently leads the coordination
// store's Raft group.
func (s *Store) IsLeader() bool { return s.raft.State() == raft.Leader }

// LeaderAddr returns the Raft address of the current leader, if known.
func (s *Store) LeaderAddr() string { return string(s.raft.Leader()) }

func (s *Store) apply(cmd command) error {
	if s.raft.State() != raft.Leader {
		return ErrNotLeader
	}
	b, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	f := s.raft.Apply(b, s.cfg.ApplyTimeout)
	if err := f.Error(); err != nil {
		return errors.Wrap(err, "raftstore: raft apply")
	}
	res, ok := f.Response().(*applyResult)
	if !ok {
		return errors.New("raftstore: unexpected apply response type")
	}
	return res.err
}

func (s *Store) Get(ctx context.Context, key string) (coordstore.Entry, error) {
	s.fsm.mu.RLock()
	defer s.fsm.mu.RUnlock()
	r, ok := s.fsm.liveLocked(key)
	if !ok {
		return coordstore.Entry{}, coordstore.ErrNotFound
	}
	return coordstore.Entry{Value: r.Value, ExpiresAt: r.ExpiresAt}, nil
}

func (s *Store) CAS(ctx context.Context, key string, expected, newValue []byte, ttl time.Duration) error {
	cmd := command{Kind: opCAS, Key: key, Value: newValue, HasExpect: expected != nil, Expected: expected}
	if ttl > 0 {
		cmd.ExpiresAt = time.Now().Add(ttl)
	}
	if err := s.apply(cmd); err != nil {
		if errors.Is(err, errCASMismatch) {
			return coordstore.ErrCASMismatch
		}
		return err
	}
	return nil
}

func (s *Store) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	cmd := command{Kind: opSet, Key: key, Value: value}
	if ttl > 0 {
		cmd.ExpiresAt = time.Now().Add(ttl)
	}
	return s.apply(cmd)
}

func (s *Store) Delete(ctx context.Context, key string) error {
	return s.apply(command{Kind: opDelete, Key: key})
}

func (s *Store) List(ctx context.Context, prefix string) (map[string]coordstore.Entry, error) {
	s.fsm.mu.RLock()
	defer s.fsm.mu.RUnlock()
	out := make(map[string]coordstore.Entry)
	for k := range s.fsm.data {
		if len(k) < len(prefix) || k[:len(prefix)] != prefix {
			continue
		}
		if r, ok := s.fsm.liveLocked(k); ok {
			out[k] = coordstore.Entry{Value: r.Value, ExpiresAt: r.ExpiresAt}
		}
	}
	return out, nil
}

// Close shuts down this replica's Raft node and storage.
func (s *Store) Close() error {
	if s.raft != nil {
		if err := s.raft.Shutdown().Error(); err != nil {
			s.logger.Error("raftstore: shutdown error", logging.Error("error", err))
		}
	}
	if s.trans != nil {
		s.trans.Close()
	}
	if s.boltDB != nil {
		return s.boltDB.Close()
	}
	return nil
}
