package replication

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/Siya-Moghe/yak-yet-another-kafka/internal/lease"
	"github.com/Siya-Moghe/yak-yet-another-kafka/internal/logging"
	"github.com/Siya-Moghe/yak-yet-another-kafka/internal/storage"
)

// WorkerConfig wires a Worker to the rest of the broker.
type WorkerConfig struct {
	Storage        *storage.Storage
	Lease          *lease.Manager
	PollInterval   time.Duration
	RequestTimeout time.Duration
	Logger         *logging.Logger
	// LeaderAddr returns the current known leader's HTTP address, or ""
	// if none is known.
	LeaderAddr func() string
}

// Worker is the follower-side ReplicationWorker (§4.4): it applies pushes
// from the leader (ApplyPush, called by the HTTP handler for
// POST /replicate/push) and actively pulls to bootstrap/catch up
// (pullLoop, §4.4 "Catch-up on startup").
type Worker struct {
	cfg WorkerConfig

	httpClient *http.Client

	mu           sync.Mutex
	highestEpoch map[string]uint64
	leaderHWM    map[string]uint64
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

// NewWorker returns an idle Worker.
func NewWorker(cfg WorkerConfig) *Worker {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	return &Worker{
		cfg:          cfg,
		httpClient:   &http.Client{Timeout: cfg.RequestTimeout},
		highestEpoch: make(map[string]uint64),
		leaderHWM:    make(map[string]uint64),
	}
}

// Start begins one pull task per registered topic. Called when this broker
// becomes (or remains) a FOLLOWER.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.cancel != nil {
		w.mu.Unlock()
		return
	}
	wctx, cancel := context.WithCancel(ctx)
	w.ctx = wctx
	w.cancel = cancel
	w.mu.Unlock()

	for _, topic := range w.cfg.Storage.Topics() {
		w.wg.Add(1)
		go w.pullLoop(wctx, topic)
	}
}

// Stop ends every pull task.
func (w *Worker) Stop() {
	w.mu.Lock()
	cancel := w.cancel
	w.cancel = nil
	w.ctx = nil
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	w.wg.Wait()
}

// EnsureTopic starts a pull task for a topic registered after Start. The
// task runs under the worker's own context, not ctx, so Stop ends it like
// the tasks Start began.
func (w *Worker) EnsureTopic(ctx context.Context, topic string) {
	w.mu.Lock()
	wctx := w.ctx
	w.mu.Unlock()
	if wctx == nil {
		return
	}
	w.wg.Add(1)
	go w.pullLoop(wctx, topic)
}

func (w *Worker) pullLoop(ctx context.Context, topic string) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.pullOnce(ctx, topic)
		}
	}
}

func (w *Worker) pullOnce(ctx context.Context, topic string) {
	addr := w.cfg.LeaderAddr()
	if addr == "" {
		return
	}
	nextOffset, err := w.cfg.Storage.Length(topic)
	if err != nil {
		return
	}
	epoch := w.cfg.Lease.Snapshot().Epoch

	u := fmt.Sprintf("http://%s/replicate/pull?topic=%s&from=%d&epoch=%d",
		addr, url.QueryEscape(topic), nextOffset, epoch)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return
	}
	resp, err := w.httpClient.Do(req)
	if err != nil {
		w.cfg.Logger.Debug("replication: pull failed, will retry",
			logging.String("topic", topic), logging.Error("error", err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		w.cfg.Lease.ForceStepDown()
		return
	}
	if resp.StatusCode != http.StatusOK {
		return
	}
	var pr PullResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return
	}
	w.applyRecords(topic, pr.Epoch, pr.BaseOffset, pr.Records, pr.HWM)
}

// ApplyPush handles POST /replicate/push's body (§4.4 steps 1-5). Returns
// (response, mismatch, errorCode): exactly one of response/mismatch is
// non-nil unless errorCode is ErrEpochStale or ErrNoSuchTopic, in which
// case both are nil.
func (w *Worker) ApplyPush(req AppendReplicaRequest) (*AppendReplicaResponse, *OffsetMismatch, ErrorCode) {
	w.mu.Lock()
	highest := w.highestEpoch[req.Topic]
	w.mu.Unlock()

	if req.Epoch < highest {
		return nil, nil, ErrEpochStale
	}

	// A follower may not yet have its own local copy of a topic the leader
	// registered, since §6's /register_topic is a local call with no
	// broadcast to other brokers. Adopt the topic on first contact from the
	// leader, the way jocko's startReplica brings a partition's local
	// replica into existence once the controller tells it to host one.
	if !w.cfg.Storage.HasTopic(req.Topic) {
		if err := w.cfg.Storage.RegisterTopic(req.Topic); err != nil && err != storage.ErrTopicExists {
			return nil, nil, ErrNoSuchTopic
		}
		w.mu.Lock()
		ctx := w.ctx
		w.mu.Unlock()
		if ctx != nil {
			w.EnsureTopic(ctx, req.Topic)
		}
	}

	nextOffset, err := w.cfg.Storage.Length(req.Topic)
	if err != nil {
		return nil, nil, ErrNoSuchTopic
	}
	logEndEpoch, _ := w.cfg.Storage.LastEpoch(req.Topic)

	if req.Epoch > highest {
		w.mu.Lock()
		w.highestEpoch[req.Topic] = req.Epoch
		w.mu.Unlock()
	}

	canAppendDirectly := req.BaseOffset == nextOffset &&
		(len(req.Records) == 0 || req.Records[0].Epoch >= logEndEpoch)

	if !canAppendDirectly {
		hwm, _ := w.cfg.Storage.GetHWM(req.Topic)
		if nextOffset > hwm {
			_ = w.cfg.Storage.TruncateTo(req.Topic, hwm)
			nextOffset = hwm
			logEndEpoch, _ = w.cfg.Storage.LastEpoch(req.Topic)
		}
		w.updateLeaderHWM(req.Topic, req.HWM)
		return nil, &OffsetMismatch{FollowerEnd: nextOffset, FollowerEndEpoch: logEndEpoch}, ErrOffsetMismatch
	}

	for _, rec := range req.Records {
		if _, err := w.cfg.Storage.Append(req.Topic, rec.Message, rec.Epoch); err != nil {
			return nil, nil, ErrNoSuchTopic
		}
	}
	nextOffset, _ = w.cfg.Storage.Length(req.Topic)

	w.updateLeaderHWM(req.Topic, req.HWM)
	return &AppendReplicaResponse{AckEndOffset: nextOffset, HWM: w.reportedHWM(req.Topic)}, nil, ""
}

// applyRecords is pullOnce's application path: structurally the same rules
// as ApplyPush but driven from a pull response instead of a push request.
func (w *Worker) applyRecords(topic string, epoch, baseOffset uint64, records []storage.Record, leaderHWM uint64) {
	w.ApplyPush(AppendReplicaRequest{Epoch: epoch, Topic: topic, BaseOffset: baseOffset, Records: records, HWM: leaderHWM})
}

// updateLeaderHWM implements §4.4 step 5: leader_hwm = max(local_hwm,
// min(leader_hwm_in_request, next_offset)); then advances our own hwm to
// match, since the leader's reported hwm is always a safe local commit
// point once we hold the records below it.
func (w *Worker) updateLeaderHWM(topic string, leaderHWM uint64) {
	nextOffset, err := w.cfg.Storage.Length(topic)
	if err != nil {
		return
	}
	bound := leaderHWM
	if bound > nextOffset {
		bound = nextOffset
	}
	localHWM, _ := w.cfg.Storage.GetHWM(topic)
	if bound <= localHWM {
		return
	}
	if err := w.cfg.Storage.SetHWM(topic, bound); err != nil {
		w.cfg.Logger.Warn("replication: follower hwm advance failed",
			logging.String("topic", topic), logging.Error("error", err))
		return
	}
	w.mu.Lock()
	w.leaderHWM[topic] = bound
	w.mu.Unlock()
}

func (w *Worker) reportedHWM(topic string) uint64 {
	hwm, _ := w.cfg.Storage.GetHWM(topic)
	return hwm
}

// HandlePull serves GET /replicate/pull for a remote follower: it reads
// this broker's own committed+uncommitted tail starting at from and
// returns it alongside the local hwm, the symmetric dual of ApplyPush,
// used when this broker is itself the leader.
func HandlePull(s *storage.Storage, epoch uint64, topic string, from uint64) (*PullResponse, error) {
	nextOffset, err := s.Length(topic)
	if err != nil {
		return nil, err
	}
	var records []storage.Record
	if from < nextOffset {
		records, err = s.Read(topic, from, 0)
		if err != nil {
			return nil, err
		}
	}
	hwm, err := s.GetHWM(topic)
	if err != nil {
		return nil, err
	}
	return &PullResponse{
		Epoch:      epoch,
		BaseOffset: from,
		Records:    records,
		HWM:        hwm,
		NextOffset: nextOffset,
	}, nil
}
