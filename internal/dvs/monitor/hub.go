package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/banshee-data/dvs-calibration/internal/dvs/calibration"
)

// Message types sent to websocket and MQTT subscribers.
const (
	MsgStatus           = "status"
	MsgSnapshot         = "snapshot"
	MsgDetection        = "detection"
	MsgDetectionFailure = "detection_failure"
	MsgPatternTimeout   = "pattern_timeout"
	MsgResult           = "result"
)

// Envelope is the JSON frame for every websocket message.
type Envelope struct {
	Type string      `json:"type"`
	Ts   time.Time   `json:"ts"`
	Data interface{} `json:"data,omitempty"`
}

// DetectionSummary is the compact form of an observation sent to
// subscribers; full correspondences are available from the HTTP API.
type DetectionSummary struct {
	Camera     string    `json:"camera"`
	Nodes      int       `json:"nodes"`
	RMS        float64   `json:"rms_px"`
	Timestamp  int64     `json:"timestamp_us"`
	DetectedAt time.Time `json:"detected_at"`
}

// ResultSummary is the compact form of a saved calibration.
type ResultSummary struct {
	SessionID string             `json:"session_id"`
	Variant   string             `json:"variant"`
	SavedAt   time.Time          `json:"saved_at"`
	Views     map[string]int     `json:"views"`
	RMS       map[string]float64 `json:"rms_px"`
}

func summarizeDetection(o calibration.Observation) DetectionSummary {
	return DetectionSummary{
		Camera:     string(o.Camera),
		Nodes:      len(o.Correspondences),
		RMS:        o.RMS,
		Timestamp:  o.Timestamp,
		DetectedAt: o.DetectedAt,
	}
}

func summarizeResult(r calibration.Result) ResultSummary {
	s := ResultSummary{
		SessionID: r.SessionID,
		Variant:   r.Variant,
		SavedAt:   r.SavedAt,
		Views:     make(map[string]int),
		RMS:       make(map[string]float64),
	}
	for _, cam := range r.Set.Cameras() {
		s.Views[string(cam)] = r.Set.Count(cam)
	}
	for cam, p := range r.Parameters {
		s.RMS[string(cam)] = p.RMS
	}
	return s
}

const (
	writeWait  = 5 * time.Second
	pongWait   = 30 * time.Second
	pingPeriod = 20 * time.Second
)

// HubConfig sizes the hub queues. Zero values pick defaults.
type HubConfig struct {
	SendBuf      int
	BroadcastBuf int
	// Snapshot, when set, provides the first message sent to a new client.
	Snapshot func() calibration.Snapshot
}

// Hub fans session diagnostics out to websocket clients. It implements
// calibration.Observer and http.Handler. Slow clients are disconnected
// when their send queue fills; broadcasts never block the caller.
type Hub struct {
	broadcast  chan []byte
	register   chan *wsClient
	unregister chan *wsClient
	snapshot   func() calibration.Snapshot
	sendBuf    int
	upgrader   websocket.Upgrader

	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

var _ calibration.Observer = (*Hub)(nil)

// NewHub constructs a hub. Call Run to start it.
func NewHub(cfg HubConfig) *Hub {
	if cfg.SendBuf <= 0 {
		cfg.SendBuf = 32
	}
	if cfg.BroadcastBuf <= 0 {
		cfg.BroadcastBuf = 128
	}
	return &Hub{
		broadcast:  make(chan []byte, cfg.BroadcastBuf),
		register:   make(chan *wsClient, 64),
		unregister: make(chan *wsClient, 64),
		snapshot:   cfg.Snapshot,
		sendBuf:    cfg.SendBuf,
		clients:    make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Run processes hub events until ctx is cancelled, then disconnects every
// client.
func (h *Hub) Run(ctx context.Context) error {
	diagf("ws hub starting")
	for {
		select {
		case <-ctx.Done():
			diagf("ws hub stopping")
			h.closeAll()
			return ctx.Err()

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			diagf("ws client %s registered (%d clients)", c.remoteAddr, n)

		case c := <-h.unregister:
			h.remove(c, "unregister")

		case msg := <-h.broadcast:
			var slow []*wsClient
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					slow = append(slow, c)
				}
			}
			h.mu.Unlock()
			for _, c := range slow {
				h.remove(c, "slow client")
			}
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.close()
		delete(h.clients, c)
	}
}

func (h *Hub) remove(c *wsClient, reason string) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	if ok {
		c.close()
		diagf("ws client %s disconnected: %s (%d clients)", c.remoteAddr, reason, n)
	}
}

// Publish encodes an envelope and queues it for every client. When the
// queue is full the message is dropped.
func (h *Hub) Publish(msgType string, at time.Time, data interface{}) {
	msg, err := json.Marshal(Envelope{Type: msgType, Ts: at, Data: data})
	if err != nil {
		opsf("ws: encoding %s: %v", msgType, err)
		return
	}
	select {
	case h.broadcast <- msg:
	default:
		diagf("ws broadcast queue full, dropping %s (%d bytes)", msgType, len(msg))
	}
}

func (h *Hub) OnStatus(c calibration.StatusChange) { h.Publish(MsgStatus, c.At, c) }

func (h *Hub) OnDetection(o calibration.Observation) {
	h.Publish(MsgDetection, o.DetectedAt, summarizeDetection(o))
}

func (h *Hub) OnDetectionFailure(f calibration.DetectionFailure) {
	h.Publish(MsgDetectionFailure, f.At, f)
}

func (h *Hub) OnPatternTimeout(p calibration.PatternTimeout) {
	h.Publish(MsgPatternTimeout, p.At, p)
}

func (h *Hub) OnResult(r calibration.Result) { h.Publish(MsgResult, r.SavedAt, summarizeResult(r)) }

// ServeHTTP upgrades the request and registers the client. The first
// message is a snapshot of the session when HubConfig.Snapshot is set.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		diagf("ws upgrade failed: %v", err)
		return
	}
	c := &wsClient{
		hub:        h,
		conn:       conn,
		send:       make(chan []byte, h.sendBuf),
		remoteAddr: r.RemoteAddr,
	}

	if h.snapshot != nil {
		msg, err := json.Marshal(Envelope{Type: MsgSnapshot, Ts: time.Now(), Data: h.snapshot()})
		if err == nil {
			c.send <- msg
		}
	}
	h.register <- c

	// the request context ends when this handler returns; the pumps live
	// until the connection fails or the hub closes it
	go c.writePump()
	go c.readPump()
}

type wsClient struct {
	hub        *Hub
	conn       *websocket.Conn
	send       chan []byte
	remoteAddr string
	closeOnce  sync.Once
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				if !errors.Is(err, websocket.ErrCloseSent) {
					tracef("ws %s write error: %v", c.remoteAddr, err)
				}
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards client messages and watches for disconnects.
func (c *wsClient) readPump() {
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				tracef("ws %s closed: %d %s", c.remoteAddr, ce.Code, ce.Text)
			}
			select {
			case c.hub.unregister <- c:
			default:
				c.hub.remove(c, "read error")
			}
			return
		}
	}
}
