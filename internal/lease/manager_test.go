package lease

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Siya-Moghe/yak-yet-another-kafka/internal/coordstore/memstore"
	"github.com/Siya-Moghe/yak-yet-another-kafka/internal/logging"
)

func TestSingleManagerAcquiresLeadership(t *testing.T) {
	store := memstore.New()
	m := New(store, 1, 200*time.Millisecond, 20*time.Millisecond, logging.New())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)
	defer m.Stop()

	require.Eventually(t, func() bool {
		return m.Snapshot().Role == Leader
	}, time.Second, 10*time.Millisecond)

	snap := m.Snapshot()
	require.Equal(t, int32(1), snap.LeaderID)
	require.Equal(t, uint64(1), snap.Epoch)
}

func TestSecondManagerBecomesFollower(t *testing.T) {
	store := memstore.New()
	m1 := New(store, 1, 200*time.Millisecond, 20*time.Millisecond, logging.New())
	m2 := New(store, 2, 200*time.Millisecond, 20*time.Millisecond, logging.New())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m1.Run(ctx)
	go m2.Run(ctx)
	defer m1.Stop()
	defer m2.Stop()

	require.Eventually(t, func() bool {
		return m1.Snapshot().Role == Leader
	}, time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return m2.Snapshot().Role == Follower
	}, time.Second, 10*time.Millisecond)

	require.Equal(t, int32(1), m2.Snapshot().LeaderID)
}

func TestForceStepDownDemotesLeader(t *testing.T) {
	store := memstore.New()
	m := New(store, 1, 200*time.Millisecond, 20*time.Millisecond, logging.New())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)
	defer m.Stop()

	require.Eventually(t, func() bool {
		return m.Snapshot().Role == Leader
	}, time.Second, 10*time.Millisecond)

	m.ForceStepDown()
	require.Equal(t, Unknown, m.Snapshot().Role)
}

func TestReleaseOnlyDeletesWhenLeader(t *testing.T) {
	store := memstore.New()
	m := New(store, 1, 200*time.Millisecond, 20*time.Millisecond, logging.New())

	require.NoError(t, m.Release(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)
	defer m.Stop()

	require.Eventually(t, func() bool {
		return m.Snapshot().Role == Leader
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, m.Release(context.Background()))
	_, err := store.Get(context.Background(), leaseKey)
	require.Error(t, err)
}
