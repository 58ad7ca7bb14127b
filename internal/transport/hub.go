package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/storegrid/tillsync/internal/logger"
	"github.com/storegrid/tillsync/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	sendBuffer     = 64
)

// Handler processes one inbound event and returns replies for the sending
// device. The hub calls it serially per connection.
type Handler interface {
	HandleEvent(ctx context.Context, fromDevice string, p models.EventPayload) ([]models.EventPayload, error)
}

// Hub owns every device's event channel connection. Broadcasts are
// best-effort: a peer with a full send queue or a dropped socket misses
// the frame and catches up on its next pull.
type Hub struct {
	handler  Handler
	log      *logger.Logger
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	peers map[string]*peer
}

type peer struct {
	deviceID string
	conn     *websocket.Conn
	send     chan *models.Envelope
	closed   chan struct{}
	once     sync.Once
}

// SetHandler installs the event handler. Must be called before the first
// connection arrives; the hub and the services that handle its events
// reference each other, so wiring happens in two steps.
func (h *Hub) SetHandler(handler Handler) {
	h.handler = handler
}

func NewHub(handler Handler, log *logger.Logger) *Hub {
	return &Hub{
		handler: handler,
		log:     log,
		peers:   make(map[string]*peer),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Terminals live on the same LAN; the REST layer already
			// authenticated the token before the upgrade.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeWS upgrades an authenticated request to an event channel. deviceID
// must already be verified by the caller.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, deviceID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error().Err(err).Str("peer_device", deviceID).Msg("websocket upgrade failed")
		return
	}

	p := &peer{
		deviceID: deviceID,
		conn:     conn,
		send:     make(chan *models.Envelope, sendBuffer),
		closed:   make(chan struct{}),
	}

	h.mu.Lock()
	if old, exists := h.peers[deviceID]; exists {
		old.close()
	}
	h.peers[deviceID] = p
	h.mu.Unlock()

	h.log.Info().Str("peer_device", deviceID).Msg("event channel opened")

	go h.writePump(p)
	h.readPump(r.Context(), p)
}

// readPump runs in the connection's goroutine. Events are decoded and
// handled one at a time, which gives the per-device serial processing
// guarantee.
func (h *Hub) readPump(ctx context.Context, p *peer) {
	defer h.drop(p)

	p.conn.SetReadLimit(maxMessageSize)
	p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		p.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var envelope models.Envelope
		if err := p.conn.ReadJSON(&envelope); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Warn().Err(err).Str("peer_device", p.deviceID).Msg("event channel read error")
			}
			return
		}

		payload, err := envelope.Decode()
		if err != nil {
			h.log.Warn().Err(err).Str("peer_device", p.deviceID).Msg("dropping malformed event")
			h.sendTo(p, models.SyncError{ErrorCode: "malformed_event", Message: err.Error()})
			continue
		}

		replies, err := h.handler.HandleEvent(ctx, p.deviceID, payload)
		if err != nil {
			h.log.Error().Err(err).
				Str("peer_device", p.deviceID).
				Str("event", string(envelope.Type)).
				Msg("event handling failed")
			h.sendTo(p, models.SyncError{ErrorCode: "internal_error", Message: err.Error()})
			continue
		}
		for _, reply := range replies {
			h.sendTo(p, reply)
		}
	}
}

func (h *Hub) writePump(p *peer) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		p.conn.Close()
	}()

	for {
		select {
		case envelope, ok := <-p.send:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				p.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := p.conn.WriteJSON(envelope); err != nil {
				return
			}
		case <-ticker.C:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-p.closed:
			return
		}
	}
}

// Broadcast sends the payload to every connected device. Peers with a
// full queue are skipped.
func (h *Hub) Broadcast(payload models.EventPayload) {
	envelope, err := models.NewEnvelope(payload)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to build broadcast envelope")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, p := range h.peers {
		select {
		case p.send <- envelope:
		default:
			h.log.Warn().Str("peer_device", p.deviceID).Str("event", string(envelope.Type)).Msg("send queue full, frame dropped")
		}
	}
}

// SendTo delivers a payload to one device, if connected.
func (h *Hub) SendTo(deviceID string, payload models.EventPayload) bool {
	h.mu.RLock()
	p, ok := h.peers[deviceID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	return h.sendTo(p, payload)
}

func (h *Hub) sendTo(p *peer, payload models.EventPayload) bool {
	envelope, err := models.NewEnvelope(payload)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to build envelope")
		return false
	}
	select {
	case p.send <- envelope:
		return true
	default:
		return false
	}
}

// Connected reports how many devices currently hold an open channel.
func (h *Hub) Connected() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}

// Close tears down every connection, typically during shutdown after the
// goodbye broadcast went out.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, p := range h.peers {
		p.close()
		delete(h.peers, id)
	}
}

func (h *Hub) drop(p *peer) {
	h.mu.Lock()
	if current, ok := h.peers[p.deviceID]; ok && current == p {
		delete(h.peers, p.deviceID)
	}
	h.mu.Unlock()
	p.close()
	h.log.Info().Str("peer_device", p.deviceID).Msg("event channel closed")
}

func (p *peer) close() {
	p.once.Do(func() {
		close(p.closed)
		p.conn.Close()
	})
}
