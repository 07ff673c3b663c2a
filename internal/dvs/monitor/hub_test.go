package monitor

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/dvs-calibration/internal/dvs/calibration"
)

func dialHub(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) (Envelope, json.RawMessage) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var raw struct {
		Envelope
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(msg, &raw))
	return raw.Envelope, raw.Data
}

func TestHub_SnapshotThenBroadcast(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub(HubConfig{Snapshot: func() calibration.Snapshot {
		return calibration.Snapshot{Status: calibration.Searching, SessionID: "abc"}
	}})
	go hub.Run(ctx)

	conn := dialHub(t, hub)

	env, data := readEnvelope(t, conn)
	assert.Equal(t, MsgSnapshot, env.Type)
	var snap calibration.Snapshot
	require.NoError(t, json.Unmarshal(data, &snap))
	assert.Equal(t, "abc", snap.SessionID)
	assert.Equal(t, calibration.Searching, snap.Status)

	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	hub.OnStatus(calibration.StatusChange{SessionID: "abc", From: calibration.Searching, To: calibration.Idle, At: at})

	env, data = readEnvelope(t, conn)
	assert.Equal(t, MsgStatus, env.Type)
	assert.True(t, env.Ts.Equal(at))
	var change calibration.StatusChange
	require.NoError(t, json.Unmarshal(data, &change))
	assert.Equal(t, calibration.Idle, change.To)
}

func TestHub_ShutdownDisconnectsClients(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub(HubConfig{})
	done := make(chan error, 1)
	go func() { done <- hub.Run(ctx) }()

	conn := dialHub(t, hub)
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, 0, hub.Clients())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestHub_PublishNeverBlocks(t *testing.T) {
	// not running: the queue fills and further messages are dropped
	hub := NewHub(HubConfig{BroadcastBuf: 2})
	for i := 0; i < 10; i++ {
		hub.OnDetectionFailure(calibration.DetectionFailure{Camera: "cam0", Reason: "insufficient blobs"})
	}
	assert.Len(t, hub.broadcast, 2)
}
