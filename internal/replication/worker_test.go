package replication

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Siya-Moghe/yak-yet-another-kafka/internal/logging"
	"github.com/Siya-Moghe/yak-yet-another-kafka/internal/storage"
)

func newTestWorker(t *testing.T) (*Worker, *storage.Storage) {
	t.Helper()
	s, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, s.RegisterTopic("t"))
	w := NewWorker(WorkerConfig{
		Storage:    s,
		Logger:     logging.New(),
		LeaderAddr: func() string { return "" },
	})
	return w, s
}

func TestApplyPushDirectAppend(t *testing.T) {
	w, s := newTestWorker(t)
	resp, mismatch, code := w.ApplyPush(AppendReplicaRequest{
		Epoch:      1,
		Topic:      "t",
		BaseOffset: 0,
		Records: []storage.Record{
			{Offset: 0, Topic: "t", Message: "a", Epoch: 1},
			{Offset: 1, Topic: "t", Message: "b", Epoch: 1},
		},
		HWM: 2,
	})
	require.Empty(t, code)
	require.Nil(t, mismatch)
	require.NotNil(t, resp)
	require.Equal(t, uint64(2), resp.AckEndOffset)

	length, _ := s.Length("t")
	require.Equal(t, uint64(2), length)
	hwm, _ := s.GetHWM("t")
	require.Equal(t, uint64(2), hwm)
}

func TestApplyPushEpochStale(t *testing.T) {
	w, _ := newTestWorker(t)
	_, _, code := w.ApplyPush(AppendReplicaRequest{Epoch: 5, Topic: "t", BaseOffset: 0, HWM: 0})
	require.Empty(t, code)

	_, _, code = w.ApplyPush(AppendReplicaRequest{Epoch: 3, Topic: "t", BaseOffset: 0, HWM: 0})
	require.Equal(t, ErrEpochStale, code)
}

func TestApplyPushOffsetMismatchTruncatesToHWM(t *testing.T) {
	w, s := newTestWorker(t)
	_, _, _ = w.ApplyPush(AppendReplicaRequest{
		Epoch: 1, Topic: "t", BaseOffset: 0,
		Records: []storage.Record{
			{Offset: 0, Topic: "t", Message: "a", Epoch: 1},
			{Offset: 1, Topic: "t", Message: "b", Epoch: 1},
		},
		HWM: 1,
	})
	length, _ := s.Length("t")
	require.Equal(t, uint64(2), length)
	hwm, _ := s.GetHWM("t")
	require.Equal(t, uint64(1), hwm)

	// A push claiming base_offset=5 (far past our log end of 2) should force
	// a mismatch, truncating down to hwm.
	_, mismatch, code := w.ApplyPush(AppendReplicaRequest{
		Epoch: 1, Topic: "t", BaseOffset: 5,
		Records: []storage.Record{{Offset: 5, Topic: "t", Message: "z", Epoch: 1}},
		HWM:    1,
	})
	require.Equal(t, ErrOffsetMismatch, code)
	require.NotNil(t, mismatch)
	require.Equal(t, uint64(1), mismatch.FollowerEnd)

	length, _ = s.Length("t")
	require.Equal(t, uint64(1), length, "truncated down to hwm, never below it")
}

func TestApplyPushAutoRegistersUnknownTopic(t *testing.T) {
	s, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	w := NewWorker(WorkerConfig{
		Storage:    s,
		Logger:     logging.New(),
		LeaderAddr: func() string { return "" },
	})

	require.False(t, s.HasTopic("orders"))
	resp, mismatch, code := w.ApplyPush(AppendReplicaRequest{
		Epoch:      1,
		Topic:      "orders",
		BaseOffset: 0,
		Records: []storage.Record{
			{Offset: 0, Topic: "orders", Message: "a", Epoch: 1},
		},
		HWM: 1,
	})
	require.Empty(t, code)
	require.Nil(t, mismatch)
	require.NotNil(t, resp)
	require.True(t, s.HasTopic("orders"))

	length, _ := s.Length("orders")
	require.Equal(t, uint64(1), length)
	hwm, _ := s.GetHWM("orders")
	require.Equal(t, uint64(1), hwm)
}

func TestHandlePullReturnsTail(t *testing.T) {
	_, s := newTestWorker(t)
	_, _ = s.Append("t", "a", 1)
	_, _ = s.Append("t", "b", 1)
	require.NoError(t, s.SetHWM("t", 1))

	pr, err := HandlePull(s, 1, "t", 0)
	require.NoError(t, err)
	require.Len(t, pr.Records, 2)
	require.Equal(t, uint64(1), pr.HWM)
	require.Equal(t, uint64(2), pr.NextOffset)
}
