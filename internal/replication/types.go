// Package replication implements §4.3 (leader-side ReplicationCoordinator)
// and §4.4 (follower-side ReplicationWorker): pushing new records to
// followers, reconciling a diverged follower log, and advancing the
// High-Water Mark as replicas acknowledge. Grounded on jocko's
// becomeLeader/becomeFollower/Replicator shape in broker.go, generalized
// from Kafka's ISR replicas to an HTTP push/pull protocol, and on
// ppriyankuu-godkv's Replicator (quorum fan-out over HTTP) for the
// peer-to-peer transport shape.
package replication

import "github.com/Siya-Moghe/yak-yet-another-kafka/internal/storage"

// AppendReplicaRequest is the leader->follower push body for
// POST /replicate/push (§6).
// HWM carries the leader's committed offset for this topic alongside the
// push itself (§4.4 step 5 references "leader_hwm_in_request", so the wire
// request must carry it even though §4.4's intro summary omits it).
type AppendReplicaRequest struct {
	Epoch      uint64           `json:"epoch"`
	Topic      string           `json:"topic"`
	BaseOffset uint64           `json:"base_offset"`
	Records    []storage.Record `json:"records"`
	HWM        uint64           `json:"hwm"`
}

// AppendReplicaResponse is the 200 OK body for POST /replicate/push.
type AppendReplicaResponse struct {
	AckEndOffset uint64 `json:"ack_end_offset"`
	HWM          uint64 `json:"hwm"`
}

// OffsetMismatch is the 416 body returned when a push diverges from the
// follower's log (§4.4 step 4).
type OffsetMismatch struct {
	FollowerEnd      uint64 `json:"follower_end"`
	FollowerEndEpoch uint64 `json:"follower_end_epoch"`
}

// PullResponse is the GET /replicate/pull response body: the follower's
// dual, symmetric catch-up request (§4.4 "Catch-up on startup").
type PullResponse struct {
	Epoch        uint64           `json:"epoch"`
	BaseOffset   uint64           `json:"base_offset"`
	Records      []storage.Record `json:"records"`
	HWM          uint64           `json:"hwm"`
	NextOffset   uint64           `json:"next_offset"`
}

// ErrorCode is the machine-readable reason a replication call failed,
// carried in the HTTP response body alongside the status code (§6/§7).
type ErrorCode string

const (
	ErrEpochStale     ErrorCode = "EPOCH_STALE"
	ErrOffsetMismatch ErrorCode = "OFFSET_MISMATCH"
	ErrNoSuchTopic    ErrorCode = "NO_SUCH_TOPIC"
	ErrNotLeader      ErrorCode = "NOT_LEADER"
)

// ErrorBody is the JSON shape of a non-2xx replication response.
type ErrorBody struct {
	Code    ErrorCode       `json:"code"`
	Message string          `json:"message"`
	Mismatch *OffsetMismatch `json:"mismatch,omitempty"`
}
