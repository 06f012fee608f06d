// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/gorilla/websocket"
	geojson "github.com/paulmach/go.geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/geopresence/internal/config"
	"github.com/relabs-tech/geopresence/internal/gps"
	"github.com/relabs-tech/geopresence/internal/locator"
	"github.com/relabs-tech/geopresence/internal/privacy"
	"github.com/relabs-tech/geopresence/internal/realtime"
	"github.com/relabs-tech/geopresence/internal/tracking"
)

func newRuntime(t *testing.T) (*Runtime, *httptest.Server) {
	t.Helper()
	cfg := config.Default()
	cfg.Identity = "alice"
	cfg.GPSSerialPort = SimPort
	cfg.DBPath = filepath.Join(t.TempDir(), "geopresence.db")

	clk := quartz.NewMock(t)
	clk.Set(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	rt, err := Build(cfg, clk)
	require.NoError(t, err)
	srv := httptest.NewServer(NewHandler(rt))
	t.Cleanup(func() {
		srv.Close()
		assert.NoError(t, rt.Close())
	})
	return rt, srv
}

func get(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func TestBuildUsesConfiguredMode(t *testing.T) {
	rt, _ := newRuntime(t)
	assert.Equal(t, locator.Tracked, rt.Service.Mode())
}

func TestStatusAndLocation(t *testing.T) {
	_, srv := newRuntime(t)

	resp, body := get(t, srv.URL+"/api/status")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"idle","message":""}`, string(body))

	resp, body = get(t, srv.URL+"/api/location")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var f gps.Fix
	require.NoError(t, json.Unmarshal(body, &f))
	assert.True(t, f.Valid())

	resp, body = get(t, srv.URL+"/api/status")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"success"`)
}

func TestCells(t *testing.T) {
	_, srv := newRuntime(t)

	resp, _ := get(t, srv.URL+"/api/cells")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode, "no fix yet")

	get(t, srv.URL+"/api/location")
	resp, body := get(t, srv.URL+"/api/cells?ring=2")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var cells locator.Cells
	require.NoError(t, json.Unmarshal(body, &cells))
	assert.Len(t, cells.Cell, 7)
	assert.Len(t, cells.Neighbors, 24)

	resp, _ = get(t, srv.URL+"/api/cells?ring=-1")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestNearbyGeoJSON(t *testing.T) {
	rt, srv := newRuntime(t)
	ctx := context.Background()

	_, body := get(t, srv.URL+"/api/location")
	var me gps.Fix
	require.NoError(t, json.Unmarshal(body, &me))

	lat, lng := gps.Offset(me.Latitude, me.Longitude, 100, 0)
	require.NoError(t, rt.db.UpsertPosition(ctx, "bob", lat, lng, 100, "friends"))
	lat, lng = gps.Offset(me.Latitude, me.Longitude, 0, 200)
	require.NoError(t, rt.db.UpsertPosition(ctx, "carol", lat, lng, 100, "none"))
	require.NoError(t, rt.db.UpsertPosition(ctx, "alice", me.Latitude, me.Longitude, 10, "friends"))

	resp, body := get(t, srv.URL+"/api/nearby.geojson?radius=1000")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/geo+json", resp.Header.Get("Content-Type"))

	fc, err := geojson.UnmarshalFeatureCollection(body)
	require.NoError(t, err)
	require.Len(t, fc.Features, 1, "carol is not visible and alice is the caller")
	feature := fc.Features[0]
	assert.Equal(t, "bob", feature.Properties["identity"])
	require.True(t, feature.Geometry.IsPoint())
	assert.InDelta(t, lng, feature.Geometry.Point[0], 1)
	assert.InDelta(t, 100, feature.Properties["distance"], 1)

	resp, _ = get(t, srv.URL+"/api/nearby.geojson?radius=abc")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	_, srv := newRuntime(t)
	resp, body := get(t, srv.URL+"/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "geopresence_multiplexer_subscribers")
	assert.Contains(t, string(body), "go_goroutines")
}

func readMessage(t *testing.T, conn *websocket.Conn) PresenceMessage {
	t.Helper()
	var msg PresenceMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestPresenceWebsocket(t *testing.T) {
	rt, srv := newRuntime(t)
	require.NoError(t, rt.db.AddFriendship(context.Background(), "alice", "bob"))
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"/ws/presence/bob?as=alice", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	assert.Equal(t, PresenceMessage{Type: "subscribed", Identity: "bob"}, readMessage(t, conn))

	// carol has not listed alice as a friend.
	require.NoError(t, conn.WriteJSON(PresenceRequest{Action: "subscribe", Identity: "carol"}))
	assert.Equal(t, PresenceMessage{Type: "error", Identity: "carol", Error: "not permitted"}, readMessage(t, conn))
	assert.Zero(t, rt.Hub.Subscribers("carol"))

	ts := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	require.NoError(t, rt.Hub.Publish(context.Background(), "bob", realtime.PresencePayload{
		Identity: "bob", Latitude: 52.5, Longitude: 13.4, Accuracy: 100, Timestamp: ts,
	}))
	msg := readMessage(t, conn)
	assert.Equal(t, "presence", msg.Type)
	require.NotNil(t, msg.Presence)
	assert.Equal(t, 100.0, msg.Presence.Accuracy)

	require.NoError(t, conn.WriteJSON(PresenceRequest{Action: "dance"}))
	assert.Equal(t, "error", readMessage(t, conn).Type)

	// bob stops sharing.
	rt.Hub.End("bob")
	assert.Equal(t, PresenceMessage{Type: "ended", Identity: "bob"}, readMessage(t, conn))
	assert.Zero(t, rt.Hub.Subscribers("bob"))

	require.NoError(t, conn.WriteJSON(PresenceRequest{Action: "subscribe", Identity: "bob"}))
	assert.Equal(t, "subscribed", readMessage(t, conn).Type)
	require.NoError(t, conn.WriteJSON(PresenceRequest{Action: "unsubscribe", Identity: "bob"}))
	assert.Equal(t, "unsubscribed", readMessage(t, conn).Type)
	assert.Zero(t, rt.Hub.Subscribers("bob"))
}

func TestPresenceWebsocketNeedsCaller(t *testing.T) {
	rt, srv := newRuntime(t)
	require.NoError(t, rt.db.AddFriendship(context.Background(), "alice", "bob"))
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"/ws/presence/bob", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	assert.Equal(t, PresenceMessage{Type: "error", Identity: "bob", Error: "not permitted"}, readMessage(t, conn))
	assert.Zero(t, rt.Hub.Subscribers("bob"))
}

func TestFormatPresence(t *testing.T) {
	line := FormatPresence(realtime.PresencePayload{
		Identity: "bob", Latitude: 52.5, Longitude: 13.4, Accuracy: 100,
		Timestamp: time.Date(2026, 3, 1, 8, 30, 5, 0, time.UTC),
	})
	assert.Equal(t, "[PRES] bob              lat=52.500000 lng=13.400000 acc=   100m ts=08:30:05", line)
}

func TestPanel(t *testing.T) {
	_, srv := newRuntime(t)
	get(t, srv.URL+"/api/location")

	resp, body := get(t, srv.URL+"/api/panel.png")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	img, err := png.Decode(bytes.NewReader(body))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, PanelWidth, PanelHeight), img.Bounds())
}

func TestRenderPanelDrawsText(t *testing.T) {
	blank := RenderPanel(locator.Snapshot{Mode: locator.ReadOnly, Status: locator.Idle})
	withFix := RenderPanel(locator.Snapshot{
		Mode:    locator.Tracked,
		Status:  locator.Success,
		LastFix: &gps.Fix{Latitude: -33.8688, Longitude: 151.2093, Accuracy: 6},
	})

	lit := func(img *image.Gray) int {
		n := 0
		for _, p := range img.Pix {
			if p > 0 {
				n++
			}
		}
		return n
	}
	assert.Positive(t, lit(blank))
	assert.NotEqual(t, blank.Pix, withFix.Pix)
}

func send(t *testing.T, method, url, body string) int {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode
}

func TestAccountRoutes(t *testing.T) {
	rt, srv := newRuntime(t)
	ctx := context.Background()

	_, body := get(t, srv.URL+"/api/privacy")
	var stored privacy.Configuration
	require.NoError(t, json.Unmarshal(body, &stored))
	assert.Equal(t, privacy.ScopeNone, stored.LiveScope, "no row means not sharing")

	assert.Equal(t, http.StatusBadRequest, send(t, http.MethodPut, srv.URL+"/api/privacy",
		`{"live_scope":"everyone","live_accuracy_tier":"exact"}`))
	assert.Equal(t, http.StatusNoContent, send(t, http.MethodPut, srv.URL+"/api/privacy",
		`{"live_scope":"friends","live_accuracy_tier":"street","live_auto_when":["always"]}`))
	cfg, err := rt.db.PrivacyConfig(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, privacy.Street, cfg.LiveAccuracyTier)

	assert.Equal(t, http.StatusBadRequest, send(t, http.MethodPut, srv.URL+"/api/friends/alice", ""))
	assert.Equal(t, http.StatusNoContent, send(t, http.MethodPut, srv.URL+"/api/friends/bob", ""))
	_, body = get(t, srv.URL+"/api/friends")
	assert.JSONEq(t, `["bob"]`, string(body))

	_, body = get(t, srv.URL+"/api/history")
	assert.JSONEq(t, `[]`, string(body))
	require.NoError(t, rt.db.RecordBatch(ctx, "alice", []tracking.Ping{
		{Timestamp: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC), Latitude: 52.5, Longitude: 13.4, Accuracy: 5},
		{Timestamp: time.Date(2026, 3, 1, 8, 1, 0, 0, time.UTC), Latitude: 52.6, Longitude: 13.5, Accuracy: 5},
	}))
	_, body = get(t, srv.URL+"/api/history?since=2026-03-01T08:00:30Z")
	var pings []tracking.Ping
	require.NoError(t, json.Unmarshal(body, &pings))
	require.Len(t, pings, 1)
	assert.Equal(t, 52.6, pings[0].Latitude)

	resp, _ := get(t, srv.URL+"/api/history?limit=0")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDetectorUsesConfiguredVenues(t *testing.T) {
	cfg, err := config.Parse(strings.NewReader("IDENTITY=alice\nVENUES=office:52.5200:13.4050:80\nGROUP_SIZE=3\n"))
	require.NoError(t, err)

	d := NewDetector(cfg, nil)
	assert.Equal(t, 3, d.GroupSize)
	triggers := []privacy.Trigger{privacy.TriggerAtVenue}

	lat, lng := gps.Offset(52.52, 13.405, 50, 0)
	c, err := d.DetectContext(context.Background(), gps.Fix{Latitude: lat, Longitude: lng}, triggers)
	require.NoError(t, err)
	assert.True(t, c.AtVenue)

	lat, lng = gps.Offset(52.52, 13.405, 200, 0)
	c, err = d.DetectContext(context.Background(), gps.Fix{Latitude: lat, Longitude: lng}, triggers)
	require.NoError(t, err)
	assert.False(t, c.AtVenue)

	rt, _ := newRuntime(t)
	assert.Equal(t, 50.0, rt.detector.GroupRadius)
}
