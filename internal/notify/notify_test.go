package notify

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/softpoint/logicd/internal/alarms"
)

func dialHub(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestHubBroadcastsAlarmTransitions(t *testing.T) {
	hub := NewHub()
	defer hub.Close()
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dialHub(t, srv)

	tr := alarms.Transition{
		AlarmID: uuid.New(),
		Name:    "high temp",
		From:    alarms.Normal,
		To:      alarms.Active,
		Value:   85,
		Time:    time.Now(),
	}
	// The subscription is registered asynchronously after the upgrade.
	require.Eventually(t, func() bool {
		hub.mu.Lock()
		defer hub.mu.Unlock()
		return len(hub.clients) == 1
	}, time.Second, 10*time.Millisecond)
	hub.AlarmTransition(tr)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, buf, err := conn.ReadMessage()
	require.NoError(t, err)

	var e struct {
		Type string            `json:"type"`
		Data alarms.Transition `json:"data"`
	}
	require.NoError(t, json.Unmarshal(buf, &e))
	require.Equal(t, "alarm", e.Type)
	require.Equal(t, tr.AlarmID, e.Data.AlarmID)
	require.Equal(t, alarms.Active, e.Data.To)
}

func TestHubStatusEvent(t *testing.T) {
	hub := NewHub()
	defer hub.Close()
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dialHub(t, srv)
	require.Eventually(t, func() bool {
		hub.mu.Lock()
		defer hub.mu.Unlock()
		return len(hub.clients) == 1
	}, time.Second, 10*time.Millisecond)

	hub.Status(map[string]int{"blocks": 3})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, buf, err := conn.ReadMessage()
	require.NoError(t, err)

	var e struct {
		Type string         `json:"type"`
		Data map[string]int `json:"data"`
	}
	require.NoError(t, json.Unmarshal(buf, &e))
	require.Equal(t, "status", e.Type)
	require.Equal(t, 3, e.Data["blocks"])
}

func TestHubCloseDisconnectsClients(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dialHub(t, srv)
	require.Eventually(t, func() bool {
		hub.mu.Lock()
		defer hub.mu.Unlock()
		return len(hub.clients) == 1
	}, time.Second, 10*time.Millisecond)

	hub.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
}
