package surface

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitter-tracking-backend/internal/render"
)

func newTestServer(t *testing.T, h *Hub) string {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/ws", h.Handler())
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func readMessage(t *testing.T, conn *websocket.Conn) (string, json.RawMessage) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg.Type, msg.Payload
}

func TestHub_UnavailableWithoutDashboards(t *testing.T) {
	h := NewHub("streets", nil)
	assert.ErrorIs(t, h.DrawMarker(render.Marker{Handle: "m1"}), render.ErrSurfaceUnavailable)
	assert.ErrorIs(t, h.CenterOn(render.Point{}, 15), render.ErrSurfaceUnavailable)
}

func TestHub_ReadinessAndBroadcast(t *testing.T) {
	h := NewHub("dark", nil)
	var ready, lost atomic.Int32
	h.OnReadiness(func() { ready.Add(1) }, func() { lost.Add(1) })
	url := newTestServer(t, h)

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	msgType, payload := readMessage(t, conn)
	assert.Equal(t, SceneType, msgType)
	var scene Scene
	require.NoError(t, json.Unmarshal(payload, &scene))
	assert.Equal(t, "dark", scene.MapStyle)
	assert.Eventually(t, func() bool { return ready.Load() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, h.DrawMarker(render.Marker{Handle: "m1", WorkerID: "A", Position: render.Point{Lat: 37, Lng: -122}}))
	msgType, payload = readMessage(t, conn)
	assert.Equal(t, MarkerUpsertType, msgType)
	var m render.Marker
	require.NoError(t, json.Unmarshal(payload, &m))
	assert.Equal(t, "A", m.WorkerID)

	// A second dashboard gets the cached scene and does not re-trigger readiness.
	second, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	_, payload = readMessage(t, second)
	require.NoError(t, json.Unmarshal(payload, &scene))
	require.Len(t, scene.Markers, 1)
	assert.Equal(t, "m1", scene.Markers[0].Handle)
	assert.Eventually(t, func() bool { return h.Clients() == 2 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), ready.Load())

	conn.Close()
	assert.Eventually(t, func() bool { return h.Clients() == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(0), lost.Load())

	second.Close()
	assert.Eventually(t, func() bool { return lost.Load() == 1 }, time.Second, 10*time.Millisecond)
}

func TestHub_EraseRemovesFromScene(t *testing.T) {
	h := NewHub("streets", nil)
	url := newTestServer(t, h)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	readMessage(t, conn)
	require.Eventually(t, func() bool { return h.Clients() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, h.DrawRoute(render.Route{Handle: "r1", VisitID: "v1"}))
	require.NoError(t, h.EraseRoute("r1"))
	msgType, _ := readMessage(t, conn)
	assert.Equal(t, RouteUpsertType, msgType)
	msgType, payload := readMessage(t, conn)
	assert.Equal(t, RouteRemoveType, msgType)
	assert.JSONEq(t, `{"handle":"r1"}`, string(payload))

	h.mu.RLock()
	defer h.mu.RUnlock()
	assert.Empty(t, h.routes)
}
