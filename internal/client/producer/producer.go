// Package producer is a minimal client that appends messages to a YAK
// topic over HTTP, following one redirect to the leader the way an external
// collaborator is expected to (§1); a 503 (no leader known) is returned to
// the caller as an error, not retried. Deliberately thin: the engineering
// weight of this system lives in the broker, not here.
package producer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Producer appends messages to one topic through a known broker address,
// following 307 redirects to the current leader.
type Producer struct {
	brokerAddr string
	topic      string
	client     *http.Client
}

// New returns a Producer that starts by talking to brokerAddr.
func New(brokerAddr, topic string) *Producer {
	return &Producer{brokerAddr: brokerAddr, topic: topic, client: &http.Client{Timeout: 5 * time.Second}}
}

type produceRequest struct {
	Topic   string `json:"topic"`
	Message string `json:"message"`
}

type produceResponse struct {
	Offset uint64 `json:"offset"`
	HWM    uint64 `json:"hwm"`
}

// Send appends message, following at most one redirect to the current
// leader and updating brokerAddr so subsequent calls go straight there.
func (p *Producer) Send(message string) (offset uint64, err error) {
	for attempt := 0; attempt < 2; attempt++ {
		body, _ := json.Marshal(produceRequest{Topic: p.topic, Message: message})
		req, err := http.NewRequest(http.MethodPost, fmt.Sprintf("http://%s/produce", p.brokerAddr), bytes.NewReader(body))
		if err != nil {
			return 0, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := p.client.Do(req)
		if err != nil {
			return 0, err
		}
		var out produceResponse
		var decodeErr error
		if resp.StatusCode == http.StatusOK {
			decodeErr = json.NewDecoder(resp.Body).Decode(&out)
		}
		resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusOK:
			if decodeErr != nil {
				return 0, decodeErr
			}
			return out.Offset, nil
		case http.StatusTemporaryRedirect:
			loc := resp.Header.Get("Location")
			if loc == "" {
				return 0, fmt.Errorf("producer: redirect with no Location header")
			}
			u, err := url.Parse(loc)
			if err != nil {
				return 0, fmt.Errorf("producer: bad redirect location %q: %w", loc, err)
			}
			p.brokerAddr = u.Host
			continue
		case http.StatusServiceUnavailable:
			return 0, fmt.Errorf("producer: no leader currently known")
		default:
			return 0, fmt.Errorf("producer: unexpected status %s", resp.Status)
		}
	}
	return 0, fmt.Errorf("producer: gave up after redirect")
}
