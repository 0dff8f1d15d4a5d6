// Package broker ties LeaseManager, Storage, ReplicationCoordinator/Worker,
// membership and heartbeats together into one running process, the way
// jocko's own jocko.Broker (broker.go) ties together raft, serf, fsm and
// commitlog. New/Shutdown/onRoleChange are this package's analogues of
// jocko's NewBroker/Shutdown/monitorLeadership.
package broker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	opentracing "github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"

	"github.com/Siya-Moghe/yak-yet-another-kafka/internal/config"
	"github.com/Siya-Moghe/yak-yet-another-kafka/internal/coordstore"
	"github.com/Siya-Moghe/yak-yet-another-kafka/internal/lease"
	"github.com/Siya-Moghe/yak-yet-another-kafka/internal/logging"
	"github.com/Siya-Moghe/yak-yet-another-kafka/internal/membership"
	"github.com/Siya-Moghe/yak-yet-another-kafka/internal/replication"
	"github.com/Siya-Moghe/yak-yet-another-kafka/internal/storage"
)

// ErrTopicExists is returned by RegisterTopic when the topic already exists
// (§6 "409 if exists").
var ErrTopicExists = storage.ErrTopicExists

// ErrNoSuchTopic is returned when an operation names an unregistered topic.
var ErrNoSuchTopic = storage.ErrNoSuchTopic

// ErrNoLeaderKnown is returned when a role-sensitive operation is attempted
// and no leader is currently known (§6 "503 unavailable").
var ErrNoLeaderKnown = errors.New("broker: no leader known")

// LeaderInfo is the {host,port} metadata pointing at the current leader,
// used in 307 redirects and /metadata/leader (§6).
type LeaderInfo struct {
	BrokerID int32
	Host     string
	Port     int
	Epoch    uint64
}

// Broker is a single YAK broker process.
type Broker struct {
	logger *logging.Logger
	config *config.BrokerConfig
	tracer opentracing.Tracer

	storage     *storage.Storage
	coord       coordstore.Store
	lease       *lease.Manager
	membership  *membership.Membership
	coordinator *replication.Coordinator
	worker      *replication.Worker

	readyForConsistentReads int32

	shutdownCh   chan struct{}
	shutdown     bool
	shutdownLock sync.Mutex

	bgCtx  context.Context
	bgWG   sync.WaitGroup
	bgStop context.CancelFunc
}

// New constructs a Broker, starting its membership agent, lease manager
// loop, and heartbeat reporter, mirroring jocko's NewBroker(config, tracer,
// logger) which starts serf, the lan event handler, and monitorLeadership.
func New(cfg *config.BrokerConfig, coord coordstore.Store, tracer opentracing.Tracer, logger *logging.Logger) (*Broker, error) {
	if logger == nil {
		return nil, errors.New("broker: no logger set")
	}
	logger = logger.With(logging.Int32("id", cfg.ID))

	st, err := storage.Open(cfg.DataDir)
	if err != nil {
		return nil, errors.Wrap(err, "broker: open storage")
	}

	mem, err := membership.New(membership.Config{
		Self: membership.Broker{
			ID:   cfg.ID,
			Host: cfg.AdvertiseHost,
			Port: cfg.AdvertisePort,
		},
		BindAddr:  cfg.SerfAddr,
		JoinAddrs: cfg.StartJoinAddrs,
	}, logger)
	if err != nil {
		return nil, errors.Wrap(err, "broker: start membership")
	}

	leaseMgr := lease.New(coord, cfg.ID, cfg.LeaseTTL, cfg.RenewInterval, logger)

	b := &Broker{
		logger:     logger,
		config:     cfg,
		tracer:     tracer,
		storage:    st,
		coord:      coord,
		lease:      leaseMgr,
		membership: mem,
		shutdownCh: make(chan struct{}),
	}

	b.coordinator = replication.NewCoordinator(replication.CoordinatorConfig{
		Storage:        st,
		Membership:     mem,
		Lease:          leaseMgr,
		SelfAddr:       fmt.Sprintf("%s:%d", cfg.AdvertiseHost, cfg.AdvertisePort),
		PollInterval:   cfg.ReplicationPoll,
		RequestTimeout: cfg.RequestTimeout,
		Logger:         logger.Named("replication.coordinator"),
	})
	b.worker = replication.NewWorker(replication.WorkerConfig{
		Storage:        st,
		Lease:          leaseMgr,
		PollInterval:   cfg.ReplicationPoll,
		RequestTimeout: cfg.RequestTimeout,
		Logger:         logger.Named("replication.worker"),
		LeaderAddr:     b.knownLeaderAddr,
	})

	ctx, cancel := context.WithCancel(context.Background())
	b.bgCtx = ctx
	b.bgStop = cancel

	leaseMgr.OnChange(b.onRoleChange)

	b.bgWG.Add(1)
	go func() {
		defer b.bgWG.Done()
		leaseMgr.Run(ctx)
	}()

	b.bgWG.Add(1)
	go func() {
		defer b.bgWG.Done()
		b.heartbeatLoop(ctx)
	}()

	return b, nil
}

// onRoleChange is jocko's monitorLeadership, generalized from "became raft
// leader" to "acquired/lost the cluster lease": it starts or stops the
// replication coordinator/worker and flips the consistent-reads flag.
func (b *Broker) onRoleChange(snap lease.Snapshot) {
	switch snap.Role {
	case lease.Leader:
		b.logger.Info("broker: became leader", logging.Uint64("epoch", snap.Epoch))
		b.worker.Stop()
		ctx, cancel := b.bgChildCtx()
		_ = cancel
		b.coordinator.Start(ctx, snap.Epoch, b.config.ID)
		atomic.StoreInt32(&b.readyForConsistentReads, 1)
	case lease.Follower:
		atomic.StoreInt32(&b.readyForConsistentReads, 0)
		b.coordinator.Stop()
		ctx, cancel := b.bgChildCtx()
		_ = cancel
		b.worker.Start(ctx)
	default:
		atomic.StoreInt32(&b.readyForConsistentReads, 0)
		b.coordinator.Stop()
		b.worker.Stop()
	}
	if err := b.membership.UpdateEpoch(snap.Epoch); err != nil {
		b.logger.Warn("broker: update membership epoch failed", logging.Error("error", err))
	}
}

// bgChildCtx returns a context tied to the broker's own background
// lifetime; replication tasks started under it are cancelled on Shutdown
// even if onRoleChange itself doesn't call the returned cancel.
func (b *Broker) bgChildCtx() (context.Context, context.CancelFunc) {
	return context.WithCancel(b.bgCtx)
}

func (b *Broker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(b.config.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := b.lease.Snapshot()
			if err := b.membership.UpdateEpoch(snap.Epoch); err != nil {
				b.logger.Warn("heartbeat: update tags failed", logging.Error("error", err))
			}
		}
	}
}

// IsLeader reports whether this broker currently believes it holds the
// cluster lease.
func (b *Broker) IsLeader() bool { return b.lease.Snapshot().Role == lease.Leader }

// Epoch returns the currently known epoch.
func (b *Broker) Epoch() uint64 { return b.lease.Snapshot().Epoch }

// IsReadyForConsistentReads mirrors jocko's readiness flag: set as soon as
// this broker becomes leader and cleared when it loses that role.
func (b *Broker) IsReadyForConsistentReads() bool {
	return atomic.LoadInt32(&b.readyForConsistentReads) == 1
}

func (b *Broker) knownLeaderAddr() string {
	info, ok := b.KnownLeader()
	if !ok {
		return ""
	}
	return fmt.Sprintf("%s:%d", info.Host, info.Port)
}

// KnownLeader returns {host,port,epoch} for the broker this process
// believes is the leader, consulting membership for the address associated
// with the lease-recorded broker ID.
func (b *Broker) KnownLeader() (LeaderInfo, bool) {
	snap := b.lease.Snapshot()
	if !snap.LeaderExists {
		return LeaderInfo{}, false
	}
	if snap.Role == lease.Leader {
		return LeaderInfo{BrokerID: b.config.ID, Host: b.config.AdvertiseHost, Port: b.config.AdvertisePort, Epoch: snap.Epoch}, true
	}
	for _, m := range b.membership.Members() {
		if m.ID == snap.LeaderID {
			return LeaderInfo{BrokerID: m.ID, Host: m.Host, Port: m.Port, Epoch: snap.Epoch}, true
		}
	}
	return LeaderInfo{}, false
}

// RegisterTopic creates topic's empty log and, if leader, begins
// replicating it to followers.
func (b *Broker) RegisterTopic(topic string) error {
	if err := b.storage.RegisterTopic(topic); err != nil {
		return err
	}
	if b.IsLeader() {
		b.coordinator.NotifyTopicRegistered(topic)
	} else {
		ctx, cancel := b.bgChildCtx()
		_ = cancel
		b.worker.EnsureTopic(ctx, topic)
	}
	return nil
}

// Produce implements §6's POST /produce / §4.3's write path. Returns the
// assigned offset and the broker's current hwm for that topic.
func (b *Broker) Produce(topic, message string) (offset uint64, hwm uint64, err error) {
	snap := b.lease.Snapshot()
	if snap.Role != lease.Leader {
		info, ok := b.KnownLeader()
		return 0, 0, NotLeaderError{BrokerID: b.config.ID, KnownLeader: info.BrokerID, LeaderKnown: ok}
	}
	if !b.storage.HasTopic(topic) {
		return 0, 0, ErrNoSuchTopic
	}
	offset, err = b.storage.Append(topic, message, snap.Epoch)
	if err != nil {
		return 0, 0, err
	}
	// The lease may have been lost or fenced to a higher epoch while the
	// append was in flight; a record stamped with a since-superseded epoch
	// must not be reported back as committed.
	if cur := b.lease.Snapshot(); cur.Role != lease.Leader || cur.Epoch != snap.Epoch {
		return 0, 0, InvalidLeaseError{BrokerID: b.config.ID}
	}
	// Re-evaluate the commit quorum immediately rather than waiting for the
	// next follower ACK or maintenance tick: a leader-only or
	// already-matched quorum (§4.3) should commit as soon as the leader's
	// own log reflects the append.
	b.coordinator.AdvanceHWM(topic)
	hwm, _ = b.storage.GetHWM(topic)
	return offset, hwm, nil
}

// ConsumeResult is the §6 GET /consume response shape.
type ConsumeResult struct {
	Messages        []storage.Record
	HWM             uint64
	TotalAvailable  uint64
	RequestedOffset uint64
}

// Consume implements §6's GET /consume: any broker may serve it up to its
// locally-known hwm (§9 Open Questions resolution), never exposing
// uncommitted tail.
func (b *Broker) Consume(topic string, offset uint64) (ConsumeResult, error) {
	if !b.storage.HasTopic(topic) {
		return ConsumeResult{}, ErrNoSuchTopic
	}
	hwm, err := b.storage.GetHWM(topic)
	if err != nil {
		return ConsumeResult{}, err
	}
	var msgs []storage.Record
	if offset < hwm {
		msgs, err = b.storage.Read(topic, offset, int(hwm-offset))
		if err != nil {
			return ConsumeResult{}, err
		}
	} else if offset > hwm {
		return ConsumeResult{}, storage.ErrOutOfRange
	}
	return ConsumeResult{Messages: msgs, HWM: hwm, TotalAvailable: hwm, RequestedOffset: offset}, nil
}

// ApplyReplicaPush delegates to the ReplicationWorker.
func (b *Broker) ApplyReplicaPush(req replication.AppendReplicaRequest) (*replication.AppendReplicaResponse, *replication.OffsetMismatch, replication.ErrorCode) {
	return b.worker.ApplyPush(req)
}

// HandleReplicaPull delegates to replication.HandlePull.
func (b *Broker) HandleReplicaPull(topic string, from uint64) (*replication.PullResponse, error) {
	return replication.HandlePull(b.storage, b.Epoch(), topic, from)
}

// Members exposes the broker registry (§6 GET /metadata/brokers).
func (b *Broker) Members() []membership.Member { return b.membership.Members() }

// TopicSummary is one entry of §6's GET /health topics map.
type TopicSummary struct {
	NextOffset  uint64 `json:"next_offset"`
	HWM         uint64 `json:"hwm"`
	LogEndEpoch uint64 `json:"log_end_epoch"`
}

// Health implements §6's GET /health.
func (b *Broker) Health() (role string, epoch uint64, topics map[string]TopicSummary) {
	snap := b.lease.Snapshot()
	topics = make(map[string]TopicSummary)
	for _, t := range b.storage.Topics() {
		next, _ := b.storage.Length(t)
		hwm, _ := b.storage.GetHWM(t)
		le, _ := b.storage.LastEpoch(t)
		topics[t] = TopicSummary{NextOffset: next, HWM: hwm, LogEndEpoch: le}
	}
	return snap.Role.String(), snap.Epoch, topics
}

// Join joins this broker's membership agent to an existing cluster.
func (b *Broker) Join(addrs ...string) (int, error) {
	return b.membership.Join(addrs)
}

// Shutdown stops all background work, releases the lease if held, and
// leaves the gossip ring, mirroring jocko's Shutdown (serf.Shutdown,
// raft.Shutdown) and Leave (graceful membership departure).
func (b *Broker) Shutdown() error {
	b.shutdownLock.Lock()
	defer b.shutdownLock.Unlock()
	if b.shutdown {
		return nil
	}
	b.shutdown = true
	defer close(b.shutdownCh)

	b.logger.Info("broker: shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.lease.Release(ctx); err != nil {
		b.logger.Warn("broker: release lease failed", logging.Error("error", err))
	}

	b.coordinator.Stop()
	b.worker.Stop()
	b.lease.Stop()
	b.bgStop()
	b.bgWG.Wait()

	if err := b.membership.Leave(); err != nil {
		b.logger.Warn("broker: membership leave failed", logging.Error("error", err))
	}
	if err := b.membership.Shutdown(); err != nil {
		b.logger.Warn("broker: membership shutdown failed", logging.Error("error", err))
	}
	if err := b.coord.Close(); err != nil {
		b.logger.Warn("broker: coordstore close failed", logging.Error("error", err))
	}
	return b.storage.Close()
}
