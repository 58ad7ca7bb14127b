package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storegrid/tillsync/internal/logger"
	"github.com/storegrid/tillsync/internal/models"
	"github.com/storegrid/tillsync/internal/services"
)

type fixedMaster struct{ id string }

func (f fixedMaster) CurrentMaster(context.Context) (*models.Device, error) {
	return &models.Device{DeviceID: f.id, Role: models.RoleMaster}, nil
}

// fakeMaster stands in for the master terminal's REST and websocket
// surface.
type fakeMaster struct {
	mu         sync.Mutex
	registered services.RegisterRequest
	authHeader string
	heartbeats chan models.Heartbeat
}

func newFakeMaster() *fakeMaster {
	return &fakeMaster{heartbeats: make(chan models.Heartbeat, 8)}
}

func (m *fakeMaster) handler(t *testing.T) http.Handler {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	mux := http.NewServeMux()
	mux.HandleFunc("/auth/token", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"token": "peer-token"})
	})
	mux.HandleFunc("/device/register", func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.authHeader = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&m.registered)
		deviceID := m.registered.DeviceID
		m.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(services.RegistrationResult{
			Device:         &models.Device{DeviceID: deviceID, Role: models.RoleClient},
			AssignedRole:   models.RoleClient,
			MasterDeviceID: "pos-master",
		})
	})
	mux.HandleFunc("/sync/pull", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(services.PullResult{
			Changes: []*models.ChangeRecord{
				{RecordKey: "sales/1", Operation: models.OpInsert, SequenceID: 1},
				{RecordKey: "sales/1", Operation: models.OpUpdate, SequenceID: 2, Superseded: true},
			},
			MasterDeviceID: "pos-master",
		})
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var envelope models.Envelope
			if err := conn.ReadJSON(&envelope); err != nil {
				return
			}
			if envelope.Type != models.EventHeartbeat {
				continue
			}
			var hb models.Heartbeat
			if err := json.Unmarshal(envelope.Payload, &hb); err == nil {
				select {
				case m.heartbeats <- hb:
				default:
				}
			}
		}
	})
	return mux
}

func TestPeerLoopFollowsMaster(t *testing.T) {
	master := newFakeMaster()
	server := httptest.NewServer(master.handler(t))
	defer server.Close()

	rest := NewSyncClient(func(string) string { return server.URL }, "", logger.Nop())

	applied := make(chan []*models.ChangeRecord, 1)
	loop := NewPeerLoop(PeerConfig{
		DeviceID:          "pos-client",
		DisplayRole:       "sales_assistant",
		Priority:          20,
		EnrollSecret:      "hunter2",
		HeartbeatInterval: 50 * time.Millisecond,
		WSTemplate:        "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?from=%s",
	}, rest, fixedMaster{id: "pos-master"}, func(_ context.Context, changes []*models.ChangeRecord) error {
		select {
		case applied <- changes:
		default:
		}
		return nil
	}, logger.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	select {
	case changes := <-applied:
		require.Len(t, changes, 2)
		assert.Equal(t, int64(1), changes[0].SequenceID)
		assert.True(t, changes[1].Superseded)
	case <-time.After(2 * time.Second):
		t.Fatal("pulled changes never reached the applier")
	}

	select {
	case hb := <-master.heartbeats:
		assert.Equal(t, "pos-client", hb.DeviceID)
	case <-time.After(2 * time.Second):
		t.Fatal("no heartbeat arrived over the event channel")
	}

	assert.Equal(t, int64(2), loop.LastApplied())

	master.mu.Lock()
	defer master.mu.Unlock()
	assert.Equal(t, "pos-client", master.registered.DeviceID)
	assert.Equal(t, "Bearer peer-token", master.authHeader)
}

func TestPeerLoopRetargetsOnMasterElected(t *testing.T) {
	loop := NewPeerLoop(PeerConfig{DeviceID: "pos-client"}, nil, nil,
		func(context.Context, []*models.ChangeRecord) error { return nil }, logger.Nop())

	ctx, retarget := context.WithCancel(context.Background())
	loop.handleEvent(ctx, "pos-old", &models.MasterElected{NewMasterID: "pos-new"}, retarget)
	require.Error(t, ctx.Err())

	same, cancel := context.WithCancel(context.Background())
	defer cancel()
	loop.handleEvent(same, "pos-old", &models.MasterElected{NewMasterID: "pos-old"}, cancel)
	require.NoError(t, same.Err())
}

func TestPeerLoopAppliesPushedDataUpdate(t *testing.T) {
	var got []*models.ChangeRecord
	loop := NewPeerLoop(PeerConfig{DeviceID: "pos-client"}, nil, nil,
		func(_ context.Context, changes []*models.ChangeRecord) error {
			got = changes
			return nil
		}, logger.Nop())

	payload, _ := json.Marshal(map[string]int{"price": 95})
	loop.handleEvent(context.Background(), "pos-master", &models.DataUpdate{
		DeviceID:        "pos-master",
		RecordKey:       "products/42",
		Operation:       models.OpUpdate,
		Payload:         payload,
		OriginTimestamp: time.Now().UTC(),
	}, func() {})

	require.Len(t, got, 1)
	assert.Equal(t, "products/42", got[0].RecordKey)
	assert.Equal(t, "pos-master", got[0].OriginDeviceID)
}
