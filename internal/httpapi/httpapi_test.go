package httpapi_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Siya-Moghe/yak-yet-another-kafka/internal/coordstore/memstore"
	"github.com/Siya-Moghe/yak-yet-another-kafka/internal/httpapi"
	"github.com/Siya-Moghe/yak-yet-another-kafka/internal/logging"
	"github.com/Siya-Moghe/yak-yet-another-kafka/testutil"
)

func TestProduceConsumeOverHTTP(t *testing.T) {
	coord := memstore.New()
	n := testutil.NewTestBroker(t, coord, nil)
	defer n.Broker.Shutdown()

	require.Eventually(t, func() bool { return n.Broker.IsLeader() }, 2*time.Second, 10*time.Millisecond)

	srv := httptest.NewServer(n.API)
	defer srv.Close()

	regBody, _ := json.Marshal(map[string]string{"topic": "orders"})
	resp, err := http.Post(srv.URL+"/register_topic", "application/json", bytes.NewReader(regBody))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	prodBody, _ := json.Marshal(map[string]string{"topic": "orders", "message": "hello"})
	resp, err = http.Post(srv.URL+"/produce", "application/json", bytes.NewReader(prodBody))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var prodOut map[string]uint64
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&prodOut))
	resp.Body.Close()
	require.Equal(t, uint64(0), prodOut["offset"])

	resp, err = http.Get(srv.URL + "/consume?topic=orders&offset=0")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var consumeOut struct {
		Messages []struct {
			Message string `json:"message"`
		} `json:"messages"`
		HWM uint64 `json:"hwm"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&consumeOut))
	resp.Body.Close()
	require.Len(t, consumeOut.Messages, 1)
	require.Equal(t, "hello", consumeOut.Messages[0].Message)

	resp, err = http.Get(srv.URL + "/health")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestRegisterDuplicateTopicConflicts(t *testing.T) {
	coord := memstore.New()
	n := testutil.NewTestBroker(t, coord, nil)
	defer n.Broker.Shutdown()
	require.Eventually(t, func() bool { return n.Broker.IsLeader() }, 2*time.Second, 10*time.Millisecond)

	srv := httptest.NewServer(httpapi.New(n.Broker, nil, logging.New()))
	defer srv.Close()

	body, _ := json.Marshal(map[string]string{"topic": "dup"})
	resp, _ := http.Post(srv.URL+"/register_topic", "application/json", bytes.NewReader(body))
	resp.Body.Close()

	resp, err := http.Post(srv.URL+"/register_topic", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()
}
