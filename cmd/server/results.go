package main

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dontdude/sandrun/internal/domain"
)

const (
	resultWriteWait = 10 * time.Second
	// recentResults bounds how many finished results are kept for clients
	// that connect after their job completed.
	recentResults = 1024
)

type subscriber struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *subscriber) send(result domain.JobResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(resultWriteWait))
	return s.conn.WriteJSON(result)
}

// resultHub forwards broadcast job results to the websockets watching them.
type resultHub struct {
	mu       sync.Mutex
	watchers map[string]map[*subscriber]struct{}
	recent   map[string]domain.JobResult
	order    []string

	upgrader websocket.Upgrader
}

func newResultHub(checkOrigin func(*http.Request) bool) *resultHub {
	return &resultHub{
		watchers: make(map[string]map[*subscriber]struct{}),
		recent:   make(map[string]domain.JobResult),
		upgrader: websocket.Upgrader{CheckOrigin: checkOrigin},
	}
}

// Serve upgrades the request and registers it for jobID until the client
// disconnects. A result that already arrived is sent right away.
func (h *resultHub) Serve(w http.ResponseWriter, r *http.Request, jobID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("WebSocket upgrade failed", "error", err)
		return
	}
	sub := &subscriber{conn: conn}

	slog.Info("Client connected via WebSocket", "jobID", jobID, "remoteAddr", conn.RemoteAddr())
	h.mu.Lock()
	if h.watchers[jobID] == nil {
		h.watchers[jobID] = make(map[*subscriber]struct{})
	}
	h.watchers[jobID][sub] = struct{}{}
	done, finished := h.recent[jobID]
	h.mu.Unlock()

	defer func() {
		slog.Info("Client disconnected", "jobID", jobID)
		h.mu.Lock()
		delete(h.watchers[jobID], sub)
		if len(h.watchers[jobID]) == 0 {
			delete(h.watchers, jobID)
		}
		h.mu.Unlock()
		conn.Close()
	}()

	if finished {
		if err := sub.send(done); err != nil {
			return
		}
	}

	// Keep the connection alive until the client disconnects.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Deliver records a result and forwards it to every watcher of its job.
func (h *resultHub) Deliver(result domain.JobResult) {
	h.mu.Lock()
	if _, seen := h.recent[result.JobID]; !seen {
		h.order = append(h.order, result.JobID)
		if len(h.order) > recentResults {
			delete(h.recent, h.order[0])
			h.order = h.order[1:]
		}
	}
	h.recent[result.JobID] = result
	subs := make([]*subscriber, 0, len(h.watchers[result.JobID]))
	for s := range h.watchers[result.JobID] {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	for _, s := range subs {
		if err := s.send(result); err != nil {
			slog.Error("Failed to write to websocket", "jobID", result.JobID, "error", err)
			s.conn.Close()
		}
	}
}

// Run forwards results from the queue until ctx is done.
func (h *resultHub) Run(ctx context.Context, q domain.JobQueue) error {
	results, err := q.SubscribeLogs(ctx)
	if err != nil {
		return err
	}
	slog.Info("Result broadcaster started")
	for result := range results {
		h.Deliver(result)
	}
	return nil
}
