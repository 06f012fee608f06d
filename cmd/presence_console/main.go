// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package main

import (
	"flag"
	"log"

	"github.com/relabs-tech/geopresence/internal/app"
	"github.com/relabs-tech/geopresence/internal/config"
)

func main() {
	configPath := flag.String("config", "./geopresence_config.txt", "path to configuration file")
	identity := flag.String("identity", "+", "identity to follow, + for everyone")
	flag.Parse()

	log.Println("starting geopresence console (MQTT subscriber)")

	// Load configuration
	if err := config.InitGlobal(*configPath); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	if err := app.RunPresenceConsole(config.Get(), *identity); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}
