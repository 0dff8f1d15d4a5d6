package producer

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSendFollowsRedirectThenSucceeds(t *testing.T) {
	var leaderHits int
	leader := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		leaderHits++
		json.NewEncoder(w).Encode(produceResponse{Offset: 3, HWM: 4})
	}))
	defer leader.Close()

	follower := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", leader.URL+"/produce")
		w.WriteHeader(http.StatusTemporaryRedirect)
	}))
	defer follower.Close()

	p := New(follower.URL[len("http://"):], "orders")
	offset, err := p.Send("hi")
	require.NoError(t, err)
	require.Equal(t, uint64(3), offset)
	require.Equal(t, 1, leaderHits)
}

func TestSendReturnsErrorOnUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := New(srv.URL[len("http://"):], "orders")
	_, err := p.Send("hi")
	require.Error(t, err)
}
