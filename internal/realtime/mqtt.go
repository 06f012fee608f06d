// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Connect opens an MQTT client to broker.
func Connect(broker, clientID string) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", broker, token.Error())
	}
	log.Printf("realtime: connected to MQTT broker at %s", broker)
	return client, nil
}

// MQTTPublisher publishes each identity's payloads on prefix/<identity>. QoS 0
// and never retained: a late subscriber must not see a stale position.
type MQTTPublisher struct {
	client mqtt.Client
	prefix string
}

// NewMQTTPublisher publishes through client under prefix.
func NewMQTTPublisher(client mqtt.Client, prefix string) *MQTTPublisher {
	return &MQTTPublisher{client: client, prefix: strings.TrimSuffix(prefix, "/")}
}

// Topic is the channel of identity.
func (p *MQTTPublisher) Topic(identity string) string {
	return p.prefix + "/" + identity
}

func (p *MQTTPublisher) Publish(ctx context.Context, identity string, payload PresencePayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("presence marshal: %w", err)
	}

	token := p.client.Publish(p.Topic(identity), 0, false, body)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("mqtt publish %s: %w", p.Topic(identity), err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// MQTTSubscriber receives payloads published by MQTTPublisher.
type MQTTSubscriber struct {
	client mqtt.Client
	prefix string
}

// NewMQTTSubscriber reads from client under prefix.
func NewMQTTSubscriber(client mqtt.Client, prefix string) *MQTTSubscriber {
	return &MQTTSubscriber{client: client, prefix: strings.TrimSuffix(prefix, "/")}
}

// Subscribe calls fn for every payload on the channel of identity; "+"
// subscribes to every identity.
func (s *MQTTSubscriber) Subscribe(identity string, fn func(PresencePayload)) error {
	topic := s.prefix + "/" + identity
	token := s.client.Subscribe(topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		var p PresencePayload
		if err := json.Unmarshal(msg.Payload(), &p); err != nil {
			log.Printf("realtime: %s unmarshal error: %v", msg.Topic(), err)
			return
		}
		if p.Identity == "" {
			p.Identity = strings.TrimPrefix(msg.Topic(), s.prefix+"/")
		}
		fn(p)
	})
	token.Wait()
	if token.Error() != nil {
		return fmt.Errorf("mqtt subscribe %s: %w", topic, token.Error())
	}
	log.Printf("realtime: subscribed to %s", topic)
	return nil
}

// Unsubscribe stops delivery for identity.
func (s *MQTTSubscriber) Unsubscribe(identity string) error {
	token := s.client.Unsubscribe(s.prefix + "/" + identity)
	token.Wait()
	return token.Error()
}
