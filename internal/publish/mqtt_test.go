package publish

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/autofocus/internal/autofocus"
	"github.com/banshee-data/autofocus/internal/monitoring"
)

func init() { monitoring.SetLogger(nil) }

type fakeToken struct {
	err  error
	done chan struct{}
}

func newFakeToken(err error) *fakeToken {
	t := &fakeToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type message struct {
	topic   string
	payload []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []message
	err  error
	sent chan struct{}
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{sent: make(chan struct{}, 16)}
}

func (p *fakePublisher) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	p.mu.Lock()
	p.msgs = append(p.msgs, message{topic: topic, payload: payload.([]byte)})
	err := p.err
	p.mu.Unlock()
	p.sent <- struct{}{}
	return newFakeToken(err)
}

func (p *fakePublisher) messages() []message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]message(nil), p.msgs...)
}

func waitSent(t *testing.T, p *fakePublisher) {
	t.Helper()
	select {
	case <-p.sent:
	case <-time.After(2 * time.Second):
		t.Fatal("nothing published")
	}
}

func TestMQTTSinkPublishesJSON(t *testing.T) {
	pub := newFakePublisher()
	sink := NewMQTTSink(pub, "lab/scope1")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sink.Run(ctx)

	sp := 1824.0
	sink.Publish(autofocus.Snapshot{Seq: 7, Peak: 1830, Profile: []float64{1, 2}, Setpoint: &sp})
	waitSent(t, pub)

	msgs := pub.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "lab/scope1", msgs[0].topic)

	var got autofocus.Snapshot
	require.NoError(t, json.Unmarshal(msgs[0].payload, &got))
	assert.Equal(t, uint64(7), got.Seq)
	assert.Equal(t, 1830, got.Peak)
	require.NotNil(t, got.Setpoint)
	assert.Equal(t, 1824.0, *got.Setpoint)

	require.Eventually(t, func() bool { return sink.Stats().Published == 1 }, time.Second, 5*time.Millisecond)
}

func TestMQTTSinkKeepsNewest(t *testing.T) {
	pub := newFakePublisher()
	sink := NewMQTTSink(pub, "")

	// Run is not started, so only the newest snapshot stays pending.
	for i := 1; i <= 3; i++ {
		sink.Publish(autofocus.Snapshot{Seq: uint64(i)})
	}
	assert.Equal(t, uint64(2), sink.Stats().Skipped)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sink.Run(ctx)
	waitSent(t, pub)

	msgs := pub.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, DefaultTopic, msgs[0].topic)
	var got autofocus.Snapshot
	require.NoError(t, json.Unmarshal(msgs[0].payload, &got))
	assert.Equal(t, uint64(3), got.Seq)
}

func TestMQTTSinkCountsErrors(t *testing.T) {
	pub := newFakePublisher()
	pub.err = errors.New("not connected")
	sink := NewMQTTSink(pub, "")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sink.Run(ctx)

	sink.Publish(autofocus.Snapshot{Seq: 1})
	waitSent(t, pub)
	require.Eventually(t, func() bool { return sink.Stats().Errors == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, sink.Stats().Published)
}

func TestBrokerURL(t *testing.T) {
	assert.Equal(t, "tcp://localhost:1883", brokerURL("localhost:1883"))
	assert.Equal(t, "ssl://broker:8883", brokerURL("ssl://broker:8883"))
}
