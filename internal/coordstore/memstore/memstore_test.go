package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Siya-Moghe/yak-yet-another-kafka/internal/coordstore"
)

func TestCASFromAbsent(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.CAS(ctx, "k", nil, []byte("v1"), 0))
	err := s.CAS(ctx, "k", nil, []byte("v2"), 0)
	require.ErrorIs(t, err, coordstore.ErrCASMismatch)

	require.NoError(t, s.CAS(ctx, "k", []byte("v1"), []byte("v2"), 0))
	e, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), e.Value)
}

func TestTTLExpiry(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.SetWithTTL(ctx, "k", []byte("v"), 10*time.Millisecond))

	_, err := s.Get(ctx, "k")
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	_, err = s.Get(ctx, "k")
	require.ErrorIs(t, err, coordstore.ErrNotFound)

	// An expired entry must act absent for CAS too.
	require.NoError(t, s.CAS(ctx, "k", nil, []byte("v2"), 0))
}

func TestListByPrefix(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.SetWithTTL(ctx, "yak:broker:1", []byte("a"), 0))
	require.NoError(t, s.SetWithTTL(ctx, "yak:broker:2", []byte("b"), 0))
	require.NoError(t, s.SetWithTTL(ctx, "yak:lease", []byte("c"), 0))

	out, err := s.List(ctx, "yak:broker:")
	require.NoError(t, err)
	require.Len(t, out, 2)
}

func TestDelete(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.SetWithTTL(ctx, "k", []byte("v"), 0))
	require.NoError(t, s.Delete(ctx, "k"))
	_, err := s.Get(ctx, "k")
	require.ErrorIs(t, err, coordstore.ErrNotFound)
}
