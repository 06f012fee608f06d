// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var payload = PresencePayload{
	Identity:  "alice",
	Latitude:  52.5205,
	Longitude: 13.4055,
	Accuracy:  100,
	Timestamp: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
}

func TestHub(t *testing.T) {
	h := NewHub(2)
	ctx := context.Background()

	a, cancelA := h.Subscribe("alice")
	b, cancelB := h.Subscribe("alice")
	other, cancelOther := h.Subscribe("bob")
	defer cancelOther()
	assert.Equal(t, 2, h.Subscribers("alice"))

	require.NoError(t, h.Publish(ctx, "alice", payload))
	assert.Equal(t, payload, <-a)
	assert.Equal(t, payload, <-b)
	assert.Empty(t, other)

	// A slow subscriber loses payloads, the others do not wait.
	for i := 0; i < 3; i++ {
		require.NoError(t, h.Publish(ctx, "alice", payload))
	}
	assert.Len(t, a, 2)
	assert.Equal(t, uint64(2), h.Dropped())

	cancelA()
	cancelA()
	_, open := <-drain(a)
	assert.False(t, open)
	assert.Equal(t, 1, h.Subscribers("alice"))

	h.Close()
	_, open = <-drain(b)
	assert.False(t, open)
	cancelB()

	late, _ := h.Subscribe("alice")
	_, open = <-late
	assert.False(t, open, "subscribing to a closed hub yields a closed channel")
}

func TestHubEnd(t *testing.T) {
	h := NewHub(2)
	defer h.Close()

	a, cancelA := h.Subscribe("alice")
	other, cancelOther := h.Subscribe("bob")
	defer cancelOther()

	Fanout{h, failingPublisher{}}.End("alice")
	_, open := <-a
	assert.False(t, open, "the channel of alice is torn down")
	assert.Zero(t, h.Subscribers("alice"))
	assert.Equal(t, 1, h.Subscribers("bob"))
	assert.Empty(t, other)
	cancelA()

	again, cancelAgain := h.Subscribe("alice")
	defer cancelAgain()
	require.NoError(t, h.Publish(context.Background(), "alice", payload))
	assert.Equal(t, payload, <-again)
}

func drain(ch <-chan PresencePayload) <-chan PresencePayload {
	for len(ch) > 0 {
		<-ch
	}
	return ch
}

type failingPublisher struct{ err error }

func (f failingPublisher) Publish(context.Context, string, PresencePayload) error { return f.err }

func TestFanout(t *testing.T) {
	h := NewHub(1)
	ch, cancel := h.Subscribe("alice")
	defer cancel()

	boom := errors.New("broker gone")
	f := Fanout{failingPublisher{err: boom}, h}
	err := f.Publish(context.Background(), "alice", payload)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, payload, <-ch, "later publishers still run")

	assert.NoError(t, Fanout{h}.Publish(context.Background(), "alice", payload))
}

type token struct {
	err  error
	done chan struct{}
}

func doneToken(err error) *token {
	t := &token{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *token) Wait() bool                     { <-t.done; return true }
func (t *token) WaitTimeout(time.Duration) bool { return t.Wait() }
func (t *token) Done() <-chan struct{}          { return t.done }
func (t *token) Error() error                   { return t.err }

type message struct {
	topic   string
	payload []byte
}

func (m message) Duplicate() bool   { return false }
func (m message) Qos() byte         { return 0 }
func (m message) Retained() bool    { return false }
func (m message) Topic() string     { return m.topic }
func (m message) MessageID() uint16 { return 0 }
func (m message) Payload() []byte   { return m.payload }
func (m message) Ack()              {}

type published struct {
	topic    string
	qos      byte
	retained bool
	body     []byte
}

// fakeClient implements the calls the publisher and subscriber make.
type fakeClient struct {
	mqtt.Client
	pending  bool
	sent     []published
	handlers map[string]mqtt.MessageHandler
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, body interface{}) mqtt.Token {
	c.sent = append(c.sent, published{topic, qos, retained, body.([]byte)})
	if c.pending {
		return &token{done: make(chan struct{})}
	}
	return doneToken(nil)
}

func (c *fakeClient) Subscribe(topic string, _ byte, cb mqtt.MessageHandler) mqtt.Token {
	if c.handlers == nil {
		c.handlers = make(map[string]mqtt.MessageHandler)
	}
	c.handlers[topic] = cb
	return doneToken(nil)
}

func (c *fakeClient) Unsubscribe(topics ...string) mqtt.Token {
	for _, t := range topics {
		delete(c.handlers, t)
	}
	return doneToken(nil)
}

func TestMQTTPublisher(t *testing.T) {
	c := &fakeClient{}
	p := NewMQTTPublisher(c, "geopresence/presence/")

	require.NoError(t, p.Publish(context.Background(), "alice", payload))
	require.Len(t, c.sent, 1)
	assert.Equal(t, "geopresence/presence/alice", c.sent[0].topic)
	assert.Zero(t, c.sent[0].qos)
	assert.False(t, c.sent[0].retained, "presence is never retained")

	var got PresencePayload
	require.NoError(t, json.Unmarshal(c.sent[0].body, &got))
	assert.Equal(t, payload, got)

	// A publish stuck on the broker gives up with the context.
	c.pending = true
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Publish(ctx, "alice", payload), context.DeadlineExceeded)
}

func TestMQTTSubscriber(t *testing.T) {
	c := &fakeClient{}
	s := NewMQTTSubscriber(c, "geopresence/presence")

	var got []PresencePayload
	require.NoError(t, s.Subscribe("+", func(p PresencePayload) { got = append(got, p) }))
	handler := c.handlers["geopresence/presence/+"]
	require.NotNil(t, handler)

	anon := payload
	anon.Identity = ""
	body, err := json.Marshal(anon)
	require.NoError(t, err)
	handler(c, message{topic: "geopresence/presence/carol", payload: body})
	handler(c, message{topic: "geopresence/presence/carol", payload: []byte("{")})

	require.Len(t, got, 1)
	assert.Equal(t, "carol", got[0].Identity, "identity falls back to the topic")

	require.NoError(t, s.Unsubscribe("+"))
	assert.Empty(t, c.handlers)
}
