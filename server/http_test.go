package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arenasync/replay"
	"arenasync/replaystore"
	"arenasync/sim"
	"arenasync/wire"
)

func testServer(t *testing.T, store *replaystore.Store) (*httptest.Server, *Manager) {
	t.Helper()
	cfg := DefaultRoomConfig()
	cfg.RecordEvery = 1
	m := NewManager(cfg, nil)
	srv := httptest.NewServer(NewMux(&Handlers{Manager: m, Store: store}))
	t.Cleanup(func() {
		srv.Close()
		m.StopAll()
	})
	return srv, m
}

func wsURL(srv *httptest.Server, query string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?" + query
}

func readServer(t *testing.T, c *websocket.Conn) wire.ServerMessage {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, raw, err := c.ReadMessage()
	require.NoError(t, err)
	msg, err := wire.DecodeServer(raw)
	require.NoError(t, err)
	return msg
}

func TestWebSocketInitThenStates(t *testing.T) {
	srv, _ := testServer(t, nil)

	c, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "room=r1&player=alice"), nil)
	require.NoError(t, err)
	defer c.Close()

	first := readServer(t, c)
	assert.Equal(t, wire.TypeInit, first.Type)
	require.Contains(t, first.State.Ships, "ship-alice")

	move, err := wire.EncodeMove(sim.DirRight, 1)
	require.NoError(t, err)
	require.NoError(t, c.WriteMessage(websocket.TextMessage, move))

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		msg := readServer(t, c)
		assert.Equal(t, wire.TypeState, msg.Type)
		assert.GreaterOrEqual(t, msg.State.Millis, first.State.Millis)
		if msg.State.Ships["ship-alice"].VX > 0 {
			return
		}
	}
	t.Fatal("move never reached the authoritative state")
}

func TestWebSocketRequiresPlayer(t *testing.T) {
	srv, _ := testServer(t, nil)
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "room=r1"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAdminConfigAndMetrics(t *testing.T) {
	srv, m := testServer(t, nil)

	resp, err := http.Post(srv.URL+"/admin/config?room=r2", "application/json",
		strings.NewReader(`{"maxInputsPerTick":9,"simulateDropProb":0.25}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	room, ok := m.Room("r2")
	require.True(t, ok)
	assert.Equal(t, 9, room.Config().MaxInputsPerTick)
	assert.Equal(t, 0.25, room.Config().SimulateDropProb)

	resp, err = http.Post(srv.URL+"/admin/config?room=r2", "application/json", strings.NewReader(`{"simulateDropProb":3}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics?room=r2")
	require.NoError(t, err)
	defer resp.Body.Close()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "r2", body["room"])
	assert.Contains(t, body, "metrics")
	assert.EqualValues(t, 50_000, body["tick_micros"])

	resp2, err := http.Get(srv.URL + "/metrics?room=nope")
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)
}

func TestReplayEndpointArchives(t *testing.T) {
	store, err := replaystore.Open("")
	require.NoError(t, err)
	defer store.Close()
	srv, m := testServer(t, store)

	room := m.GetOrCreateRoom("r3")
	require.Eventually(t, func() bool { return room.TickSeq() >= 3 }, 3*time.Second, 20*time.Millisecond)

	resp, err := http.Get(srv.URL + "/replay?room=r3&diff=1&save=1&name=final")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	id := resp.Header.Get("X-Replay-ID")
	require.NotEmpty(t, id)

	var b replay.Bundle
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&b))
	require.NoError(t, b.Validate())
	assert.True(t, b.DiffMode)

	archived, err := store.Get(t.Context(), id)
	require.NoError(t, err)
	assert.Equal(t, "final", archived.Name)
	assert.Equal(t, b.MarksTicks, archived.MarksTicks)
}
