// Package consumer is a minimal client that polls a YAK topic for new
// messages and tracks its own read offset in a local file, the
// "external collaborator" behavior §1 assumes producers/consumers provide
// for themselves. Deliberately thin, mirroring internal/client/producer.
package consumer

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"os"
	"time"
)

// Consumer polls one topic from a known broker address (any broker, leader
// or follower, may serve reads per §9) and persists its offset to disk so
// restarts resume instead of reprocessing.
type Consumer struct {
	brokerAddr string
	topic      string
	offsetFile string
	client     *http.Client
}

// Message is one record handed to the caller's callback.
type Message struct {
	Offset  uint64 `json:"offset"`
	Message string `json:"message"`
}

// New returns a Consumer that persists its offset at offsetFile, resuming
// from whatever offset was last written there (0 if the file is absent).
func New(brokerAddr, topic, offsetFile string) *Consumer {
	return &Consumer{brokerAddr: brokerAddr, topic: topic, offsetFile: offsetFile, client: &http.Client{Timeout: 5 * time.Second}}
}

func (c *Consumer) loadOffset() uint64 {
	raw, err := ioutil.ReadFile(c.offsetFile)
	if err != nil {
		return 0
	}
	var offset uint64
	if _, err := fmt.Sscanf(string(raw), "%d", &offset); err != nil {
		return 0
	}
	return offset
}

func (c *Consumer) saveOffset(offset uint64) error {
	tmp := c.offsetFile + ".tmp"
	if err := ioutil.WriteFile(tmp, []byte(fmt.Sprintf("%d", offset)), 0644); err != nil {
		return err
	}
	return os.Rename(tmp, c.offsetFile)
}

type consumeResponse struct {
	Messages        []Message `json:"messages"`
	HWM             uint64    `json:"hwm"`
	TotalAvailable  uint64    `json:"total_available"`
	RequestedOffset uint64    `json:"requested_offset"`
}

// Poll fetches every message available beyond the last persisted offset,
// invokes handle for each in order, and advances+persists the offset only
// after handle returns without error for the whole batch.
func (c *Consumer) Poll(handle func(Message) error) (int, error) {
	offset := c.loadOffset()
	url := fmt.Sprintf("http://%s/consume?topic=%s&offset=%d", c.brokerAddr, c.topic, offset)
	resp, err := c.client.Get(url)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("consumer: unexpected status %s", resp.Status)
	}
	var out consumeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, err
	}
	for _, m := range out.Messages {
		if err := handle(m); err != nil {
			return 0, err
		}
	}
	nextOffset := out.RequestedOffset + uint64(len(out.Messages))
	if err := c.saveOffset(nextOffset); err != nil {
		return len(out.Messages), err
	}
	return len(out.Messages), nil
}

// Run polls every interval until stop is closed.
func (c *Consumer) Run(interval time.Duration, stop <-chan struct{}, handle func(Message) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return nil
		case <-ticker.C:
			if _, err := c.Poll(handle); err != nil {
				return err
			}
		}
	}
}
