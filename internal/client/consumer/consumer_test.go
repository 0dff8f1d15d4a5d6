package consumer

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPollAdvancesAndPersistsOffset(t *testing.T) {
	var gotOffset string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotOffset = r.URL.Query().Get("offset")
		json.NewEncoder(w).Encode(consumeResponse{
			Messages:        []Message{{Offset: 0, Message: "a"}, {Offset: 1, Message: "b"}},
			HWM:             2,
			TotalAvailable:  2,
			RequestedOffset: 0,
		})
	}))
	defer srv.Close()

	offsetFile := filepath.Join(t.TempDir(), "offset")
	c := New(srv.URL[len("http://"):], "orders", offsetFile)

	var got []string
	n, err := c.Poll(func(m Message) error {
		got = append(got, m.Message)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, []string{"a", "b"}, got)
	require.Equal(t, "0", gotOffset)

	require.Equal(t, uint64(2), c.loadOffset())

	// A second poll should resume from the persisted offset.
	_, err = c.Poll(func(Message) error { return nil })
	require.NoError(t, err)
	require.Equal(t, "2", gotOffset)
}
