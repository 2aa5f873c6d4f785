package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/banshee-data/autofocus/internal/autofocus"
	"github.com/banshee-data/autofocus/internal/monitoring"
)

const (
	DefaultTopic    = "autofocus/snapshot"
	connectTimeout  = 5 * time.Second
	publishTimeout  = 2 * time.Second
	disconnectGrace = 250 // ms
)

var logf = monitoring.Prefixed("mqtt")

// Publisher is the part of mqtt.Client the sink uses.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTSink forwards snapshots to a broker. Publish only hands the snapshot
// over; Run does the network work, keeping at most one snapshot pending so a
// slow broker sees the newest state.
type MQTTSink struct {
	client Publisher
	topic  string
	qos    byte

	pending chan autofocus.Snapshot

	mu        sync.Mutex
	published uint64
	skipped   uint64
	errors    uint64
}

// SinkStats are the MQTT sink counters.
type SinkStats struct {
	Published uint64 `json:"published"`
	Skipped   uint64 `json:"skipped"`
	Errors    uint64 `json:"errors"`
}

func NewMQTTSink(client Publisher, topic string) *MQTTSink {
	if topic == "" {
		topic = DefaultTopic
	}
	return &MQTTSink{
		client:  client,
		topic:   topic,
		pending: make(chan autofocus.Snapshot, 1),
	}
}

// Connect dials broker (host:port or a full URL) and returns a connected
// client with automatic reconnection.
func Connect(broker, clientID string) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL(broker))
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		logf("connected to %s", broker)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logf("connection to %s lost: %v", broker, err)
	}

	c := mqtt.NewClient(opts)
	token := c.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("mqtt connection to %s timed out", broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connection failed: %w", err)
	}
	return c, nil
}

// Disconnect closes c with a short grace period.
func Disconnect(c mqtt.Client) {
	if c != nil && c.IsConnected() {
		c.Disconnect(disconnectGrace)
	}
}

func brokerURL(broker string) string {
	if strings.Contains(broker, "://") {
		return broker
	}
	return "tcp://" + broker
}

// Publish implements autofocus.Sink. An older snapshot still waiting is
// replaced.
func (s *MQTTSink) Publish(snap autofocus.Snapshot) {
	for {
		select {
		case s.pending <- snap:
			return
		default:
		}
		select {
		case <-s.pending:
			s.mu.Lock()
			s.skipped++
			s.mu.Unlock()
		default:
		}
	}
}

// Run publishes pending snapshots until ctx is done.
func (s *MQTTSink) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-s.pending:
			if err := s.send(snap); err != nil {
				s.mu.Lock()
				s.errors++
				n := s.errors
				s.mu.Unlock()
				// one line per hundred failures keeps an absent broker quiet
				if n%100 == 1 {
					logf("publish to %s failed (%d so far): %v", s.topic, n, err)
				}
				continue
			}
			s.mu.Lock()
			s.published++
			s.mu.Unlock()
		}
	}
}

func (s *MQTTSink) send(snap autofocus.Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	token := s.client.Publish(s.topic, s.qos, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish timeout")
	}
	return token.Error()
}

func (s *MQTTSink) Stats() SinkStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SinkStats{Published: s.published, Skipped: s.skipped, Errors: s.errors}
}
