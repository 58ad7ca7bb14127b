package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storegrid/tillsync/internal/logger"
	"github.com/storegrid/tillsync/internal/models"
)

type echoHandler struct{}

func (echoHandler) HandleEvent(_ context.Context, _ string, p models.EventPayload) ([]models.EventPayload, error) {
	if hb, ok := p.(*models.Heartbeat); ok {
		return []models.EventPayload{models.HeartbeatAck{DeviceID: hb.DeviceID}}, nil
	}
	return nil, nil
}

func startHub(t *testing.T) (*Hub, *websocket.Conn) {
	t.Helper()
	hub := NewHub(echoHandler{}, logger.Nop())

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeWS(w, r, "pos-client")
	}))
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return hub, conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) *models.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env models.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return &env
}

func TestHubRepliesToHeartbeat(t *testing.T) {
	_, conn := startHub(t)

	env, err := models.NewEnvelope(models.Heartbeat{DeviceID: "pos-client"})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(env))

	reply := readEnvelope(t, conn)
	assert.Equal(t, models.EventHeartbeatAck, reply.Type)

	payload, err := reply.Decode()
	require.NoError(t, err)
	assert.Equal(t, "pos-client", payload.(*models.HeartbeatAck).DeviceID)
}

func TestHubRejectsMalformedEvent(t *testing.T) {
	_, conn := startHub(t)

	require.NoError(t, conn.WriteJSON(models.Envelope{
		Type:    "emoji_reaction",
		Payload: []byte(`{}`),
	}))

	reply := readEnvelope(t, conn)
	require.Equal(t, models.EventSyncError, reply.Type)

	payload, err := reply.Decode()
	require.NoError(t, err)
	assert.Equal(t, "malformed_event", payload.(*models.SyncError).ErrorCode)
}

func TestHubBroadcastReachesConnectedPeer(t *testing.T) {
	hub, conn := startHub(t)

	require.Eventually(t, func() bool { return hub.Connected() == 1 }, time.Second, 10*time.Millisecond)

	hub.Broadcast(models.RoleChange{DeviceID: "pos-manager", NewRole: models.RoleMaster, Reason: "failure"})

	reply := readEnvelope(t, conn)
	assert.Equal(t, models.EventRoleChange, reply.Type)
}

func TestHubSendToUnknownDevice(t *testing.T) {
	hub := NewHub(echoHandler{}, logger.Nop())

	delivered := hub.SendTo("nobody", models.HeartbeatAck{DeviceID: "nobody"})
	assert.False(t, delivered)
}

func TestHubCloseDropsPeers(t *testing.T) {
	hub, conn := startHub(t)
	require.Eventually(t, func() bool { return hub.Connected() == 1 }, time.Second, 10*time.Millisecond)

	hub.Close()
	assert.Equal(t, 0, hub.Connected())

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}
