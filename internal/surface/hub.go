// Package surface is the WebSocket rendering surface. Dashboards connect to /ws and receive
// marker, route and view operations as JSON messages.
package surface

import (
	"encoding/json"
	"log"
	"maps"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"sitter-tracking-backend/internal/metrics"
	"sitter-tracking-backend/internal/render"
)

// Message types sent to dashboards.
const (
	SceneType        = "SCENE"
	MarkerUpsertType = "MARKER_UPSERT"
	MarkerRemoveType = "MARKER_REMOVE"
	RouteUpsertType  = "ROUTE_UPSERT"
	RouteRemoveType  = "ROUTE_REMOVE"
	ViewCenterType   = "VIEW_CENTER"
	ViewFitType      = "VIEW_FIT"
	NoticeType       = "NOTICE"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 256
)

// Message is the envelope of every WebSocket frame.
type Message struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Scene is sent to each dashboard on connect.
type Scene struct {
	MapStyle string          `json:"mapStyle"`
	Markers  []render.Marker `json:"markers"`
	Routes   []render.Route  `json:"routes"`
	View     *Message        `json:"view,omitempty"`
}

// CenterPayload is the payload of a VIEW_CENTER message.
type CenterPayload struct {
	Center render.Point `json:"center"`
	Zoom   int          `json:"zoom"`
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// Hub fans rendering operations out to connected dashboards and keeps the current scene so
// late joiners start in sync. The surface is ready while at least one dashboard is connected.
type Hub struct {
	mu       sync.RWMutex
	clients  map[string]*client
	markers  map[string]render.Marker
	routes   map[string]render.Route
	view     *Message
	mapStyle string

	onReady func()
	onLost  func()

	upgrader websocket.Upgrader
}

// NewHub creates a hub. allowedOrigins empty means any origin may connect.
func NewHub(mapStyle string, allowedOrigins []string) *Hub {
	h := &Hub{
		clients:  make(map[string]*client),
		markers:  make(map[string]render.Marker),
		routes:   make(map[string]render.Route),
		mapStyle: mapStyle,
		onReady:  func() {},
		onLost:   func() {},
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return len(allowedOrigins) == 0 || origin == "" || slices.Contains(allowedOrigins, origin)
		},
	}
	return h
}

// OnReadiness registers the callbacks fired when the first dashboard connects and when the
// last one leaves. It must be called before the hub serves connections.
func (h *Hub) OnReadiness(ready, lost func()) {
	h.onReady, h.onLost = ready, lost
}

// Clients returns the number of connected dashboards.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Handler upgrades the request and serves one dashboard.
func (h *Hub) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Printf("Error upgrading WebSocket connection: %v", err)
			return
		}
		cl := &client{id: uuid.NewString(), conn: conn, send: make(chan []byte, sendBuffer)}
		h.register(cl)
		go h.writePump(cl)
		h.readPump(cl)
	}
}

func (h *Hub) register(cl *client) {
	h.mu.Lock()
	scene := Scene{
		MapStyle: h.mapStyle,
		Markers:  sortedValues(h.markers),
		Routes:   sortedValues(h.routes),
		View:     h.view,
	}
	if data, err := json.Marshal(Message{Type: SceneType, Payload: scene}); err == nil {
		cl.send <- data
	}
	h.clients[cl.id] = cl
	first := len(h.clients) == 1
	metrics.SurfaceClients.Set(float64(len(h.clients)))
	h.mu.Unlock()

	log.Printf("Dashboard %s connected", cl.id)
	if first {
		h.onReady()
	}
}

func (h *Hub) unregister(cl *client) {
	h.mu.Lock()
	if _, ok := h.clients[cl.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, cl.id)
	close(cl.send)
	last := len(h.clients) == 0
	metrics.SurfaceClients.Set(float64(len(h.clients)))
	h.mu.Unlock()

	log.Printf("Dashboard %s disconnected", cl.id)
	if last {
		h.onLost()
	}
}

func (h *Hub) readPump(cl *client) {
	defer func() {
		h.unregister(cl)
		cl.conn.Close()
	}()
	cl.conn.SetReadLimit(4096)
	_ = cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	cl.conn.SetPongHandler(func(string) error {
		return cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := cl.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("Error reading from dashboard %s: %v", cl.id, err)
			}
			return
		}
	}
}

func (h *Hub) writePump(cl *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		cl.conn.Close()
	}()
	for {
		select {
		case data, ok := <-cl.send:
			_ = cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = cl.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := cl.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Printf("Error writing to dashboard %s: %v", cl.id, err)
				return
			}
		case <-ticker.C:
			_ = cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Broadcast sends a message to every dashboard. It returns render.ErrSurfaceUnavailable when
// nobody is connected. Dashboards that cannot keep up are disconnected.
func (h *Hub) Broadcast(msgType string, payload any) error {
	data, err := json.Marshal(Message{Type: msgType, Payload: payload})
	if err != nil {
		return err
	}
	h.mu.RLock()
	if len(h.clients) == 0 {
		h.mu.RUnlock()
		return render.ErrSurfaceUnavailable
	}
	var slow []*client
	for _, cl := range h.clients {
		select {
		case cl.send <- data:
		default:
			slow = append(slow, cl)
		}
	}
	h.mu.RUnlock()

	for _, cl := range slow {
		log.Printf("Dashboard %s is not keeping up; disconnecting", cl.id)
		h.unregister(cl)
	}
	return nil
}

func (h *Hub) connected() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients) > 0
}

// DrawMarker implements render.Surface.
func (h *Hub) DrawMarker(m render.Marker) error {
	if !h.connected() {
		return render.ErrSurfaceUnavailable
	}
	h.mu.Lock()
	h.markers[m.Handle] = m
	h.mu.Unlock()
	return h.Broadcast(MarkerUpsertType, m)
}

// EraseMarker implements render.Surface.
func (h *Hub) EraseMarker(handle string) error {
	if !h.connected() {
		return render.ErrSurfaceUnavailable
	}
	h.mu.Lock()
	delete(h.markers, handle)
	h.mu.Unlock()
	return h.Broadcast(MarkerRemoveType, map[string]string{"handle": handle})
}

// DrawRoute implements render.Surface.
func (h *Hub) DrawRoute(r render.Route) error {
	if !h.connected() {
		return render.ErrSurfaceUnavailable
	}
	h.mu.Lock()
	h.routes[r.Handle] = r
	h.mu.Unlock()
	return h.Broadcast(RouteUpsertType, r)
}

// EraseRoute implements render.Surface.
func (h *Hub) EraseRoute(handle string) error {
	if !h.connected() {
		return render.ErrSurfaceUnavailable
	}
	h.mu.Lock()
	delete(h.routes, handle)
	h.mu.Unlock()
	return h.Broadcast(RouteRemoveType, map[string]string{"handle": handle})
}

// CenterOn implements render.Surface.
func (h *Hub) CenterOn(p render.Point, zoom int) error {
	return h.setView(Message{Type: ViewCenterType, Payload: CenterPayload{Center: p, Zoom: zoom}})
}

// FitBounds implements render.Surface.
func (h *Hub) FitBounds(b render.Bounds) error {
	return h.setView(Message{Type: ViewFitType, Payload: b})
}

func (h *Hub) setView(msg Message) error {
	if !h.connected() {
		return render.ErrSurfaceUnavailable
	}
	h.mu.Lock()
	h.view = &msg
	h.mu.Unlock()
	return h.Broadcast(msg.Type, msg.Payload)
}

// Close disconnects every dashboard.
func (h *Hub) Close() {
	h.mu.RLock()
	clients := slices.Collect(maps.Values(h.clients))
	h.mu.RUnlock()
	for _, cl := range clients {
		h.unregister(cl)
	}
}

func sortedValues[T any](m map[string]T) []T {
	out := make([]T, 0, len(m))
	for _, k := range slices.Sorted(maps.Keys(m)) {
		out = append(out, m[k])
	}
	return out
}
