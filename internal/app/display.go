// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"fmt"
	"image"
	"image/color"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/relabs-tech/geopresence/internal/breaker"
	"github.com/relabs-tech/geopresence/internal/locator"
)

// Panel size, the same as a 128x64 OLED.
const (
	PanelWidth  = 128
	PanelHeight = 64
)

// RenderPanel draws a four-line summary of snap: status, latitude, longitude
// and the write path.
func RenderPanel(snap locator.Snapshot) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, PanelWidth, PanelHeight))

	drawer := &font.Drawer{
		Dst:  img,
		Src:  &image.Uniform{color.White},
		Face: basicfont.Face7x13,
	}
	line := func(y int, s string) {
		drawer.Dot = fixed.P(0, y)
		drawer.DrawString(s)
	}

	line(13, fmt.Sprintf("%s %s", shortMode(snap.Mode), snap.Status))

	if snap.LastFix == nil {
		line(26, "Location")
		line(39, "Waiting...")
	} else {
		// Latitude
		latDir := "N"
		lat := snap.LastFix.Latitude
		if lat < 0 {
			latDir = "S"
			lat = -lat
		}
		line(26, fmt.Sprintf("%.4f%s", lat, latDir))

		// Longitude
		lonDir := "E"
		lon := snap.LastFix.Longitude
		if lon < 0 {
			lonDir = "W"
			lon = -lon
		}
		line(39, fmt.Sprintf("%.4f%s +-%.0fm", lon, lonDir, snap.LastFix.Accuracy))
	}

	pending := 0
	if snap.Buffer != nil {
		pending = snap.Buffer.Pending
	}
	open := 0
	for _, c := range snap.Guard.Circuits {
		if c.State != breaker.Closed {
			open++
		}
	}
	line(52, fmt.Sprintf("buf %d  open %d", pending, open))
	return img
}

func shortMode(m locator.Mode) string {
	switch m {
	case locator.Tracked:
		return "TRK"
	case locator.Shared:
		return "SHR"
	default:
		return "RO"
	}
}
