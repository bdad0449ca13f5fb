// Package hub pushes progress records to websocket subscribers.
package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/imrenagi/go-upload-progress/progress"
	"github.com/rs/zerolog/log"
)

const writeWait = 5 * time.Second

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) send(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.write(b)
}

// write requires c.mu.
func (c *client) write(b []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, b)
}

// SnapshotFunc reads the current record of the key being served.
type SnapshotFunc func(ctx context.Context) (progress.Record, bool, error)

// Hub fans record changes out to the connections subscribed to their key. It
// implements progress.Listener.
type Hub struct {
	upgrader websocket.Upgrader

	mu   sync.RWMutex
	subs map[progress.Key]map[*client]struct{}
}

func New() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		subs: make(map[progress.Key]map[*client]struct{}),
	}
}

// Subscribers returns the number of connections subscribed to key.
func (h *Hub) Subscribers(key progress.Key) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[key])
}

func (h *Hub) subscribe(key progress.Key, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[key] == nil {
		h.subs[key] = make(map[*client]struct{})
	}
	h.subs[key][c] = struct{}{}
}

func (h *Hub) unsubscribe(key progress.Key, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs[key], c)
	if len(h.subs[key]) == 0 {
		delete(h.subs, key)
	}
}

func (h *Hub) OnEvent(ctx context.Context, ev progress.Event) {
	b, err := json.Marshal(ev.Record)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("unable to encode progress record")
		return
	}

	h.mu.RLock()
	clients := make([]*client, 0, len(h.subs[ev.Key]))
	for c := range h.subs[ev.Key] {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if err := c.send(b); err != nil {
			log.Ctx(ctx).Debug().Err(err).Str("progress_key", string(ev.Key)).Msg("dropping progress subscriber")
			h.unsubscribe(ev.Key, c)
			_ = c.conn.Close()
		}
	}
}

// Serve upgrades the request and streams every change of key's record until
// the client goes away. The connection is subscribed before the current record
// is read and sent, so no change is missed or delivered ahead of it.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, key progress.Key, snapshot SnapshotFunc) {
	logger := log.Ctx(r.Context())
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	c := &client{conn: conn}
	defer conn.Close()

	h.subscribe(key, c)
	defer h.unsubscribe(key, c)

	if err := h.sendSnapshot(r.Context(), c, snapshot); err != nil {
		logger.Warn().Err(err).Str("progress_key", string(key)).Msg("unable to send current progress")
		return
	}

	// Subscribers only listen; reading detects the close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			logger.Debug().Err(err).Str("progress_key", string(key)).Msg("progress subscriber left")
			return
		}
	}
}

// sendSnapshot holds the client's write lock while reading the record, so
// events racing with it are pushed afterwards.
func (h *Hub) sendSnapshot(ctx context.Context, c *client, snapshot SnapshotFunc) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, found, err := snapshot(ctx)
	if err != nil {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "unable to read progress"),
			time.Now().Add(writeWait))
		return err
	}
	if !found {
		return nil
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return c.write(b)
}
