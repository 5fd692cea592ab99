package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsStatusInterval = 2 * time.Second
	wsPingInterval   = 25 * time.Second
	wsReadTimeout    = 60 * time.Second
	wsClientBuffer   = 64
)

type wsMessage struct {
	Type   string         `json:"type"`
	Line   string         `json:"line,omitempty"`
	Status *statusPayload `json:"status,omitempty"`
}

type wsClient struct {
	ch chan []byte
}

// wsHub fans log lines out to connected admin clients. Slow clients drop
// lines instead of blocking the logger.
type wsHub struct {
	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

func newWSHub() *wsHub {
	return &wsHub{clients: map[*wsClient]struct{}{}}
}

func (h *wsHub) register(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

func (h *wsHub) unregister(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.ch)
	}
}

func (h *wsHub) broadcast(msg []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.ch <- msg:
		default:
		}
	}
}

func (h *wsHub) clientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Write makes the hub usable as a log tee.
func (h *wsHub) Write(p []byte) (int, error) {
	if h.clientCount() == 0 {
		return len(p), nil
	}
	for _, line := range bytes.Split(bytes.TrimRight(p, "\n"), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		msg, err := json.Marshal(wsMessage{Type: "log", Line: string(line)})
		if err != nil {
			continue
		}
		h.broadcast(msg)
	}
	return len(p), nil
}

func sameOrigin(req *http.Request) bool {
	origin := strings.TrimSpace(req.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, req.Host)
}

// adminWebsocket streams a status snapshot every few seconds and every log
// line written while connected.
func (h *AdminHandler) adminWebsocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{CheckOrigin: sameOrigin}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	})

	client := &wsClient{ch: make(chan []byte, wsClientBuffer)}
	h.hub.register(client)
	defer h.hub.unregister(client)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	sendStatus := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), wsStatusInterval)
		defer cancel()
		st := h.status(ctx)
		msg, err := json.Marshal(wsMessage{Type: "status", Status: &st})
		if err != nil {
			return err
		}
		return conn.WriteMessage(websocket.TextMessage, msg)
	}
	if err := sendStatus(); err != nil {
		return
	}

	statusTicker := time.NewTicker(wsStatusInterval)
	defer statusTicker.Stop()
	pingTicker := time.NewTicker(wsPingInterval)
	defer pingTicker.Stop()
	for {
		select {
		case <-done:
			return
		case <-statusTicker.C:
			if err := sendStatus(); err != nil {
				return
			}
		case <-pingTicker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case msg, ok := <-client.ch:
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}
