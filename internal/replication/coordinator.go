package replication

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/Siya-Moghe/yak-yet-another-kafka/internal/lease"
	"github.com/Siya-Moghe/yak-yet-another-kafka/internal/logging"
	"github.com/Siya-Moghe/yak-yet-another-kafka/internal/membership"
	"github.com/Siya-Moghe/yak-yet-another-kafka/internal/storage"
)

// Follower describes a replication target, discovered through membership.
type Follower struct {
	BrokerID int32
	Addr     string // host:port of its HTTP surface
}

// followerState is §4.3's per-follower state. It is shared by that
// follower's push tasks (one per topic) and read by advanceHWM, so every
// access goes through mu.
type followerState struct {
	mu         sync.Mutex
	matchOffset map[string]uint64
	inFlight   bool
}

// CoordinatorConfig wires a Coordinator to the rest of the broker.
type CoordinatorConfig struct {
	Storage        *storage.Storage
	Membership     *membership.Membership
	Lease          *lease.Manager
	SelfAddr       string
	PollInterval   time.Duration
	RequestTimeout time.Duration
	Logger         *logging.Logger
}

// Coordinator is the leader-side ReplicationCoordinator (§4.3).
type Coordinator struct {
	cfg CoordinatorConfig

	httpClient *http.Client

	mu           sync.Mutex
	epoch        uint64
	selfID       int32
	aliveAtEpoch map[int32]bool // quorum-eligible set, snapshotted at epoch start
	followers    map[int32]*followerState
	followerCtx  map[int32]context.Context
	cancelFns    map[int32]context.CancelFunc
	rootCtx      context.Context
	rootCancel   context.CancelFunc

	wg sync.WaitGroup
}

// NewCoordinator returns an idle Coordinator; call Start when this broker
// becomes LEADER and Stop when it loses leadership.
func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	return &Coordinator{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		followers:   make(map[int32]*followerState),
		followerCtx: make(map[int32]context.Context),
		cancelFns:   make(map[int32]context.CancelFunc),
	}
}

// Start snapshots the current alive set as the commit quorum for this
// epoch (§4.3: "computed against the heartbeat-alive set at the start of
// the epoch") and begins one push task per follower-topic pair, plus a
// maintenance loop that periodically re-evaluates HWM commit (so a
// leader-only or currently-follower-less quorum still commits without
// waiting on a follower ACK, §4.3's "hwm = min(next_offset, max over
// quorum Q of match_offset[q])" with Q possibly just the leader) and
// picks up followers that join the cluster after this epoch began.
func (c *Coordinator) Start(ctx context.Context, epoch uint64, selfID int32) {
	rootCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	c.epoch = epoch
	c.selfID = selfID
	c.rootCtx = rootCtx
	c.rootCancel = cancel
	c.aliveAtEpoch = map[int32]bool{selfID: true}
	for _, m := range c.cfg.Membership.Members() {
		if m.ID != selfID {
			c.aliveAtEpoch[m.ID] = true
		}
	}
	c.mu.Unlock()

	for _, m := range c.cfg.Membership.Members() {
		if m.ID == selfID {
			continue
		}
		c.addFollower(rootCtx, Follower{BrokerID: m.ID, Addr: fmt.Sprintf("%s:%d", m.Host, m.Port)})
	}

	c.wg.Add(1)
	go c.maintainLoop(rootCtx)
}

// maintainLoop is the per-epoch background task that keeps HWM advancing
// even when no follower push has just succeeded, and keeps the follower
// set current as brokers join the cluster mid-epoch (jocko's own
// periodic broker-lookup refresh, generalized to this repo's HTTP
// replication).
func (c *Coordinator) maintainLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.refreshFollowers(ctx)
			for _, topic := range c.cfg.Storage.Topics() {
				c.advanceHWM(topic)
			}
		}
	}
}

// refreshFollowers adds push tasks for any broker membership now reports
// alive that this epoch hasn't started pushing to yet.
func (c *Coordinator) refreshFollowers(ctx context.Context) {
	c.mu.Lock()
	selfID := c.selfID
	c.mu.Unlock()

	for _, m := range c.cfg.Membership.Members() {
		if m.ID == selfID {
			continue
		}
		c.mu.Lock()
		_, known := c.followers[m.ID]
		c.mu.Unlock()
		if known {
			continue
		}
		c.addFollower(ctx, Follower{BrokerID: m.ID, Addr: fmt.Sprintf("%s:%d", m.Host, m.Port)})
	}
}

// AdvanceHWM re-evaluates and, if possible, advances topic's HWM
// immediately. Called synchronously from the produce path (§4.3) so a
// quorum already satisfied by the leader's own log (e.g. a single-broker
// cluster, or a majority already matched by followers) commits without
// waiting for maintainLoop's next tick.
func (c *Coordinator) AdvanceHWM(topic string) {
	c.advanceHWM(topic)
}

// addFollower begins push tasks for a newly discovered follower, one per
// currently registered topic.
func (c *Coordinator) addFollower(ctx context.Context, f Follower) {
	c.mu.Lock()
	if _, ok := c.followers[f.BrokerID]; ok {
		c.mu.Unlock()
		return
	}
	fctx, cancel := context.WithCancel(ctx)
	c.cancelFns[f.BrokerID] = cancel
	c.followerCtx[f.BrokerID] = fctx
	fs := &followerState{matchOffset: make(map[string]uint64)}
	c.followers[f.BrokerID] = fs
	c.mu.Unlock()

	for _, topic := range c.cfg.Storage.Topics() {
		c.wg.Add(1)
		go c.pushLoop(fctx, f, topic, fs)
	}
}

// Stop cancels every push task. Called on role loss (§5 "Cancellation").
// In-flight requests may complete but their acks are discarded because the
// push task goroutines themselves exit.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	fns := make([]context.CancelFunc, 0, len(c.cancelFns))
	for _, fn := range c.cancelFns {
		fns = append(fns, fn)
	}
	rootCancel := c.rootCancel
	c.rootCancel = nil
	c.rootCtx = nil
	c.followers = make(map[int32]*followerState)
	c.followerCtx = make(map[int32]context.Context)
	c.cancelFns = make(map[int32]context.CancelFunc)
	c.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
	if rootCancel != nil {
		rootCancel()
	}
	c.wg.Wait()
}

// pushLoop is one follower-topic pair's push task (§4.3 "Push loop").
func (c *Coordinator) pushLoop(ctx context.Context, f Follower, topic string, fs *followerState) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.pushOnce(ctx, f, topic, fs)
		}
	}
}

func (c *Coordinator) pushOnce(ctx context.Context, f Follower, topic string, fs *followerState) {
	fs.mu.Lock()
	if fs.inFlight {
		fs.mu.Unlock()
		return
	}
	fs.inFlight = true
	match := fs.matchOffset[topic]
	fs.mu.Unlock()
	defer func() {
		fs.mu.Lock()
		fs.inFlight = false
		fs.mu.Unlock()
	}()

	nextOffset, err := c.cfg.Storage.Length(topic)
	if err != nil {
		return
	}

	var records []storage.Record
	if nextOffset > match {
		records, err = c.cfg.Storage.Read(topic, match, 0)
		if err != nil {
			c.cfg.Logger.Warn("replication: read for push failed",
				logging.String("topic", topic), logging.Error("error", err))
			return
		}
	}

	epoch := c.currentEpoch()
	leaderHWM, _ := c.cfg.Storage.GetHWM(topic)
	req := AppendReplicaRequest{Epoch: epoch, Topic: topic, BaseOffset: match, Records: records, HWM: leaderHWM}
	resp, mismatch, err := c.sendPush(ctx, f.Addr, req)
	if err != nil {
		// Transient network error: back off via the next tick, never step down.
		c.cfg.Logger.Debug("replication: push failed, will retry",
			logging.String("follower_addr", f.Addr), logging.Error("error", err))
		return
	}
	if mismatch != nil {
		// §4.4 step 4 resolution: resend from the follower's committed hwm.
		fs.mu.Lock()
		fs.matchOffset[topic] = minU64(mismatch.FollowerEnd, nextOffset)
		fs.mu.Unlock()
		return
	}
	if resp == nil {
		// EPOCH_STALE: our epoch is no longer valid. Step down.
		c.cfg.Lease.ForceStepDown()
		return
	}
	if resp.AckEndOffset >= match+uint64(len(records)) {
		fs.mu.Lock()
		fs.matchOffset[topic] = resp.AckEndOffset
		fs.mu.Unlock()
		c.advanceHWM(topic)
	}
}

// sendPush does the actual HTTP round trip, translating status codes back
// into (response, mismatch, error) per §4.3 steps 3-6.
func (c *Coordinator) sendPush(ctx context.Context, addr string, req AppendReplicaRequest) (*AppendReplicaResponse, *OffsetMismatch, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, nil, err
	}
	url := fmt.Sprintf("http://%s/replicate/push", addr)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var out AppendReplicaResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, nil, err
		}
		return &out, nil, nil
	case http.StatusRequestedRangeNotSatisfiable:
		var errBody ErrorBody
		if err := json.NewDecoder(resp.Body).Decode(&errBody); err != nil {
			return nil, nil, err
		}
		return nil, errBody.Mismatch, nil
	case http.StatusConflict:
		return nil, nil, nil
	default:
		return nil, nil, fmt.Errorf("replication: unexpected status %d", resp.StatusCode)
	}
}

// advanceHWM implements §4.3's commit rule: hwm = min(next_offset, max over
// quorum Q of match_offset[q]), Q = majority of the alive-at-epoch-start
// set including the leader itself.
func (c *Coordinator) advanceHWM(topic string) {
	nextOffset, err := c.cfg.Storage.Length(topic)
	if err != nil {
		return
	}

	c.mu.Lock()
	quorumSize := len(c.aliveAtEpoch)/2 + 1
	matches := make([]uint64, 0, len(c.followers)+1)
	matches = append(matches, nextOffset) // leader's own log is always current
	for _, fs := range c.followers {
		fs.mu.Lock()
		matches = append(matches, fs.matchOffset[topic])
		fs.mu.Unlock()
	}
	c.mu.Unlock()

	if len(matches) < quorumSize {
		return
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i] > matches[j] })
	committed := matches[quorumSize-1]
	if committed > nextOffset {
		committed = nextOffset
	}

	cur, err := c.cfg.Storage.GetHWM(topic)
	if err != nil || committed <= cur {
		return
	}
	if err := c.cfg.Storage.SetHWM(topic, committed); err != nil {
		c.cfg.Logger.Warn("replication: set hwm failed", logging.String("topic", topic), logging.Error("error", err))
	}
}

func (c *Coordinator) currentEpoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// NotifyTopicRegistered starts push tasks for a topic registered after
// Start, for every follower already known.
func (c *Coordinator) NotifyTopicRegistered(topic string) {
	c.mu.Lock()
	type target struct {
		id   int32
		fs   *followerState
		ctx  context.Context
	}
	targets := make([]target, 0, len(c.followers))
	for id, fs := range c.followers {
		if fctx, ok := c.followerCtx[id]; ok {
			targets = append(targets, target{id: id, fs: fs, ctx: fctx})
		}
	}
	c.mu.Unlock()

	for _, t := range targets {
		addr := c.followerAddr(t.id)
		if addr == "" {
			continue
		}
		c.wg.Add(1)
		go c.pushLoop(t.ctx, Follower{BrokerID: t.id, Addr: addr}, topic, t.fs)
	}
}

func (c *Coordinator) followerAddr(id int32) string {
	for _, m := range c.cfg.Membership.Members() {
		if m.ID == id {
			return fmt.Sprintf("%s:%d", m.Host, m.Port)
		}
	}
	return ""
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
