// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"log"
	"time"

	"github.com/coder/quartz"

	"github.com/relabs-tech/geopresence/internal/config"
	"github.com/relabs-tech/geopresence/internal/gps"
)

// SimPort selects the simulated device in GPS_SERIAL_PORT.
const SimPort = "sim"

// Starting point and rate of the simulated walk.
const (
	simLatitude  = 52.520008
	simLongitude = 13.404954
	simPeriod    = time.Second
)

// Positioning is a device that also answers permission queries.
type Positioning interface {
	gps.Device
	gps.Permissions
}

// OpenDevice returns the positioning hardware selected by cfg. Nothing is
// opened until the first watch.
func OpenDevice(cfg *config.Config, clock quartz.Clock) Positioning {
	if cfg.GPSSerialPort == SimPort {
		log.Printf("gps: using simulated device (%.5f, %.5f) every %s", simLatitude, simLongitude, simPeriod)
		return gps.NewSimDevice(clock, simLatitude, simLongitude, simPeriod)
	}
	log.Printf("gps: using NMEA device on %s at %d baud", cfg.GPSSerialPort, cfg.GPSBaudRate)
	return gps.NewSerialDevice(cfg.GPSSerialPort, cfg.GPSBaudRate)
}
