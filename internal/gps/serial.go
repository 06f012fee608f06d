// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package gps

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	nmea "github.com/adrianmo/go-nmea"
	serial "github.com/jacobsa/go-serial/serial"

	"github.com/relabs-tech/geopresence/internal/geoerr"
)

const (
	knotsToMPS = 1852.0 / 3600.0
	// Metres of horizontal error per unit of HDOP for a consumer receiver.
	hdopUERE        = 5.0
	defaultAccuracy = 25.0
)

// OpenFunc opens the GPS port. Replaced in tests.
type OpenFunc func(serial.OpenOptions) (io.ReadWriteCloser, error)

// SerialDevice reads NMEA sentences from a GPS receiver on a serial port.
// Every watch opens its own port handle; the multiplexer guarantees only one
// watch is ever active.
type SerialDevice struct {
	opts serial.OpenOptions
	open OpenFunc
	now  func() time.Time

	mu        sync.Mutex
	nextID    WatchID
	watches   map[WatchID]io.Closer
	state     PermissionState
	listeners map[int]func(PermissionState)
	nextLis   int
}

// NewSerialDevice returns a device for the given port and baud rate.
func NewSerialDevice(portName string, baudRate int) *SerialDevice {
	return &SerialDevice{
		opts: serial.OpenOptions{
			PortName:              portName,
			BaudRate:              uint(baudRate),
			DataBits:              8,
			StopBits:              1,
			MinimumReadSize:       1,
			ParityMode:            serial.PARITY_NONE,
			InterCharacterTimeout: 0,
		},
		open: func(o serial.OpenOptions) (io.ReadWriteCloser, error) {
			return serial.Open(o)
		},
		now:       time.Now,
		watches:   make(map[WatchID]io.Closer),
		listeners: make(map[int]func(PermissionState)),
	}
}

// Watch opens the port in the background and streams fixes until ClearWatch.
func (d *SerialDevice) Watch(opts WatchOptions, onFix func(Fix), onError func(error)) (WatchID, error) {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.watches[id] = nil
	d.mu.Unlock()

	go d.run(id, onFix, onError)
	return id, nil
}

// ClearWatch closes the port of watch id. The reader goroutine exits quietly.
func (d *SerialDevice) ClearWatch(id WatchID) {
	d.mu.Lock()
	port, ok := d.watches[id]
	delete(d.watches, id)
	d.mu.Unlock()

	if ok && port != nil {
		port.Close()
	}
}

// CurrentFix waits for the next valid fix from the receiver.
func (d *SerialDevice) CurrentFix(ctx context.Context, opts WatchOptions) (Fix, error) {
	return FirstFix(ctx, d, opts)
}

func (d *SerialDevice) active(id WatchID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.watches[id]
	return ok
}

func (d *SerialDevice) run(id WatchID, onFix func(Fix), onError func(error)) {
	port, err := d.open(d.opts)
	if err != nil {
		err = classifyOpenError(d.opts.PortName, err)
		if errors.Is(err, geoerr.ErrPermissionDenied) {
			d.setState(PermissionDenied)
		}
		if d.active(id) {
			onError(err)
		}
		return
	}
	d.setState(PermissionGranted)

	d.mu.Lock()
	if _, ok := d.watches[id]; !ok {
		// Cleared while opening.
		d.mu.Unlock()
		port.Close()
		return
	}
	d.watches[id] = port
	d.mu.Unlock()
	log.Printf("gps: serial port opened on %s at %d baud", d.opts.PortName, d.opts.BaudRate)

	reader := bufio.NewReader(port)
	var dec Decoder
	dec.Now = d.now

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if d.active(id) {
				onError(fmt.Errorf("gps read on %s: %v: %w", d.opts.PortName, err, geoerr.ErrPositionUnavailable))
			}
			return
		}
		if f, ok := dec.Decode(line); ok && d.active(id) {
			onFix(f)
		}
	}
}

func classifyOpenError(port string, err error) error {
	if errors.Is(err, fs.ErrPermission) || os.IsPermission(err) {
		return fmt.Errorf("open %s: %v: %w", port, err, geoerr.ErrPermissionDenied)
	}
	return fmt.Errorf("open %s: %v: %w", port, err, geoerr.ErrPositionUnavailable)
}

// Query reports the last observed grant state of the serial port.
func (d *SerialDevice) Query(ctx context.Context) (PermissionState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state, nil
}

// Request checks the port by opening and closing it.
func (d *SerialDevice) Request(ctx context.Context) (PermissionState, error) {
	port, err := d.open(d.opts)
	if err != nil {
		err = classifyOpenError(d.opts.PortName, err)
		if errors.Is(err, geoerr.ErrPermissionDenied) {
			d.setState(PermissionDenied)
			return PermissionDenied, nil
		}
		return d.stateNow(), err
	}
	port.Close()
	d.setState(PermissionGranted)
	return PermissionGranted, nil
}

// OnChange registers fn for grant changes.
func (d *SerialDevice) OnChange(fn func(PermissionState)) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := d.nextLis
	d.nextLis++
	d.listeners[key] = fn
	return func() {
		d.mu.Lock()
		delete(d.listeners, key)
		d.mu.Unlock()
	}
}

func (d *SerialDevice) stateNow() PermissionState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *SerialDevice) setState(s PermissionState) {
	d.mu.Lock()
	if d.state == s {
		d.mu.Unlock()
		return
	}
	d.state = s
	fns := make([]func(PermissionState), 0, len(d.listeners))
	for _, fn := range d.listeners {
		fns = append(fns, fn)
	}
	d.mu.Unlock()

	for _, fn := range fns {
		fn(s)
	}
}

// Decoder turns NMEA lines into fixes. RMC sentences produce a fix; GGA
// sentences only update the HDOP used for the accuracy estimate.
type Decoder struct {
	Now  func() time.Time
	hdop float64
}

// Decode parses one line. It returns false for anything that is not a valid
// RMC position.
func (d *Decoder) Decode(line string) (Fix, bool) {
	line = strings.TrimSpace(line)
	if line == "" || !strings.HasPrefix(line, "$") {
		return Fix{}, false
	}

	sentence, err := nmea.Parse(line)
	if err != nil {
		// noisy GPS or partial sentences
		return Fix{}, false
	}

	switch sentence.DataType() {
	case nmea.TypeGGA:
		m := sentence.(nmea.GGA)
		if m.FixQuality != nmea.Invalid {
			d.hdop = m.HDOP
		}
		return Fix{}, false

	case nmea.TypeRMC:
		m := sentence.(nmea.RMC)
		if m.Validity != nmea.ValidRMC {
			return Fix{}, false
		}
		f := Fix{
			Latitude:  m.Latitude,
			Longitude: m.Longitude,
			Accuracy:  defaultAccuracy,
			Speed:     m.Speed * knotsToMPS,
			Timestamp: d.timestamp(m.Date, m.Time),
		}
		if d.hdop > 0 {
			f.Accuracy = d.hdop * hdopUERE
		}
		return f, f.Valid()

	default:
		// ignore other sentence types (GSA, GSV, VTG, ...)
		return Fix{}, false
	}
}

func (d *Decoder) timestamp(date nmea.Date, t nmea.Time) time.Time {
	if date.Valid && t.Valid {
		year := 2000 + date.YY
		if date.YY >= 80 {
			year = 1900 + date.YY
		}
		return time.Date(year, time.Month(date.MM), date.DD,
			t.Hour, t.Minute, t.Second, t.Millisecond*int(time.Millisecond), time.UTC)
	}
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}
