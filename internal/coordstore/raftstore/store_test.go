package raftstore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	dynaport "github.com/travisjeffery/go-dynaport"

	"github.com/Siya-Moghe/yak-yet-another-kafka/internal/coordstore"
	"github.com/Siya-Moghe/yak-yet-another-kafka/internal/logging"
)

func newSingleNodeStore(t *testing.T) *Store {
	t.Helper()
	port := dynaport.GetS(1)[0]
	s, err := New(Config{
		LocalID:   "1",
		RaftAddr:  fmt.Sprintf("127.0.0.1:%s", port),
		DataDir:   t.TempDir(),
		Bootstrap: true,
	}, logging.New())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSingleNodeBecomesLeaderAndServesCAS(t *testing.T) {
	s := newSingleNodeStore(t)

	require.Eventually(t, func() bool { return s.IsLeader() }, 5*time.Second, 20*time.Millisecond)

	ctx := context.Background()
	require.NoError(t, s.CAS(ctx, "k", nil, []byte("v1"), 0))
	err := s.CAS(ctx, "k", nil, []byte("v2"), 0)
	require.ErrorIs(t, err, coordstore.ErrCASMismatch)

	require.NoError(t, s.CAS(ctx, "k", []byte("v1"), []byte("v2"), 0))
	e, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), e.Value)
}

func TestTTLExpiryThroughFSM(t *testing.T) {
	s := newSingleNodeStore(t)
	require.Eventually(t, func() bool { return s.IsLeader() }, 5*time.Second, 20*time.Millisecond)

	ctx := context.Background()
	require.NoError(t, s.SetWithTTL(ctx, "k", []byte("v"), 20*time.Millisecond))
	time.Sleep(60 * time.Millisecond)

	_, err := s.Get(ctx, "k")
	require.ErrorIs(t, err, coordstore.ErrNotFound)
}
