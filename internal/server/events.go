package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/limiquantix/orchestrator/internal/repository/redis"
)

const (
	eventsWriteWait  = 10 * time.Second
	eventsPingPeriod = 30 * time.Second
)

var eventsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4 * 1024,
	WriteBufferSize: 16 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins for development
		return true
	},
}

// eventsHandler streams job (and, with Redis, alert) events to a websocket
// client. With Redis every replica's events are visible; without it only
// jobs of this process are.
func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := eventsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Failed to upgrade events connection", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events, err := s.eventSource(ctx)
	if err != nil {
		s.logger.Error("Failed to subscribe to events", zap.Error(err))
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "event source unavailable"))
		return
	}

	// Drain client frames so close and pong messages are processed.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.logger.Debug("Events client read failed", zap.Error(err))
				}
				return
			}
		}
	}()

	ping := time.NewTicker(eventsPingPeriod)
	defer ping.Stop()

	s.logger.Debug("Events client connected", zap.String("remote_addr", r.RemoteAddr))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(eventsWriteWait)); err != nil {
				return
			}
		case event, ok := <-events:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(eventsWriteWait))
			if err := conn.WriteJSON(event); err != nil {
				s.logger.Debug("Events client write failed", zap.Error(err))
				return
			}
		}
	}
}

// eventSource returns a channel of events that closes when ctx is done.
func (s *Server) eventSource(ctx context.Context) (<-chan redis.Event, error) {
	if s.cache != nil {
		return s.cache.Subscribe(ctx, redis.ChannelJobs, redis.ChannelAlerts)
	}

	jobUpdates, unsubscribe := s.jobs.Subscribe()
	out := make(chan redis.Event, 64)
	go func() {
		defer close(out)
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case job, ok := <-jobUpdates:
				if !ok {
					return
				}
				data, err := json.Marshal(job)
				if err != nil {
					s.logger.Warn("Failed to marshal job event", zap.String("job_id", job.ID), zap.Error(err))
					continue
				}
				event := redis.Event{
					Type:       "job." + strings.ToLower(string(job.Status)),
					ResourceID: job.ID,
					Data:       data,
					Timestamp:  time.Now().UTC(),
				}
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
