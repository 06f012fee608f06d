// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/relabs-tech/geopresence/internal/config"
	"github.com/relabs-tech/geopresence/internal/realtime"
)

// FormatPresence renders one payload as a console line.
func FormatPresence(p realtime.PresencePayload) string {
	return fmt.Sprintf(
		"[PRES] %-16s lat=%.6f lng=%.6f acc=%6.0fm ts=%s",
		p.Identity, p.Latitude, p.Longitude, p.Accuracy, p.Timestamp.Format("15:04:05"),
	)
}

// RunPresenceConsole prints the presence channel of identity ("+" for every
// identity) until Ctrl+C.
func RunPresenceConsole(cfg *config.Config, identity string) error {
	if identity == "" {
		identity = "+"
	}
	client, err := realtime.Connect(cfg.MQTTBroker, cfg.MQTTClientID+"-console")
	if err != nil {
		return err
	}
	defer client.Disconnect(250)

	sub := realtime.NewMQTTSubscriber(client, cfg.TopicPresencePrefix)
	if err := sub.Subscribe(identity, func(p realtime.PresencePayload) {
		fmt.Println(FormatPresence(p))
	}); err != nil {
		return err
	}
	log.Printf("console: following %s/%s", cfg.TopicPresencePrefix, identity)

	// Wait for Ctrl+C
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Println("console: shutting down")
	if err := sub.Unsubscribe(identity); err != nil {
		log.Printf("console: unsubscribe error: %v", err)
	}
	return nil
}
