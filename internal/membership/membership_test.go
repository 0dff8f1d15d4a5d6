package membership

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	dynaport "github.com/travisjeffery/go-dynaport"

	"github.com/Siya-Moghe/yak-yet-another-kafka/internal/logging"
)

func newTestMembership(t *testing.T, id int32) *Membership {
	t.Helper()
	port := dynaport.GetS(1)[0]
	m, err := New(Config{
		Self:     Broker{ID: id, Host: "127.0.0.1", Port: 9092},
		BindAddr: fmt.Sprintf("127.0.0.1:%s", port),
	}, logging.New())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Shutdown() })
	return m
}

func TestMembersSeesSelf(t *testing.T) {
	m := newTestMembership(t, 1)
	require.Eventually(t, func() bool { return m.NumLiveMembers() == 1 }, time.Second, 10*time.Millisecond)
}

func TestJoinAndUpdateEpoch(t *testing.T) {
	m1 := newTestMembership(t, 1)
	m2 := newTestMembership(t, 2)

	_, err := m2.Join([]string{m1.cfg.BindAddr})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return m1.NumLiveMembers() == 2 }, time.Second, 10*time.Millisecond)

	require.NoError(t, m1.UpdateEpoch(7))
	require.Eventually(t, func() bool {
		for _, mem := range m2.Members() {
			if mem.ID == 1 && mem.Epoch == 7 {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}
