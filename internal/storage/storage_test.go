package storage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	return s
}

func TestRegisterTopicAndAppend(t *testing.T) {
	s := newTestStorage(t)
	require.NoError(t, s.RegisterTopic("t"))
	require.ErrorIs(t, s.RegisterTopic("t"), ErrTopicExists)

	off, err := s.Append("t", "a", 1)
	require.NoError(t, err)
	require.Equal(t, uint64(0), off)

	off, err = s.Append("t", "b", 1)
	require.NoError(t, err)
	require.Equal(t, uint64(1), off)

	length, err := s.Length("t")
	require.NoError(t, err)
	require.Equal(t, uint64(2), length)
}

func TestReadContiguousPrefix(t *testing.T) {
	s := newTestStorage(t)
	require.NoError(t, s.RegisterTopic("t"))
	for _, m := range []string{"a", "b", "c"} {
		_, err := s.Append("t", m, 1)
		require.NoError(t, err)
	}

	recs, err := s.Read("t", 0, 0)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	require.Equal(t, "a", recs[0].Message)

	recs, err = s.Read("t", 3, 10)
	require.NoError(t, err)
	require.Empty(t, recs)

	_, err = s.Read("t", 4, 10)
	require.ErrorIs(t, err, ErrOutOfRange)
}

func TestHWMMonotonic(t *testing.T) {
	s := newTestStorage(t)
	require.NoError(t, s.RegisterTopic("t"))
	_, _ = s.Append("t", "a", 1)
	_, _ = s.Append("t", "b", 1)

	require.NoError(t, s.SetHWM("t", 1))
	hwm, _ := s.GetHWM("t")
	require.Equal(t, uint64(1), hwm)

	require.Error(t, s.SetHWM("t", 0))
	require.Error(t, s.SetHWM("t", 5))
	require.NoError(t, s.SetHWM("t", 2))
}

func TestTruncateNeverBelowHWM(t *testing.T) {
	s := newTestStorage(t)
	require.NoError(t, s.RegisterTopic("t"))
	for _, m := range []string{"a", "b", "c"} {
		_, _ = s.Append("t", m, 1)
	}
	require.NoError(t, s.SetHWM("t", 2))

	require.Error(t, s.TruncateTo("t", 1))
	require.NoError(t, s.TruncateTo("t", 2))

	length, _ := s.Length("t")
	require.Equal(t, uint64(2), length)
}

func TestRestartRecoversNextOffsetAndHWM(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, s.RegisterTopic("t"))
	for _, m := range []string{"a", "b", "c"} {
		_, _ = s.Append("t", m, 1)
	}
	require.NoError(t, s.SetHWM("t", 2))
	require.NoError(t, s.Close())

	s2, err := Open(dir)
	require.NoError(t, err)
	require.True(t, s2.HasTopic("t"))
	length, _ := s2.Length("t")
	require.Equal(t, uint64(3), length)
	hwm, _ := s2.GetHWM("t")
	require.Equal(t, uint64(2), hwm)
}
