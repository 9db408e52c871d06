// SPDX-License-Identifier: Apache-2.0

package httptransport

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/adiadia/campaign-runtime/internal/domain"
	"github.com/adiadia/campaign-runtime/internal/hub"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	defaultPingInterval   = 30 * time.Second
	defaultWriteTimeout   = 10 * time.Second
	defaultReadTimeout    = 60 * time.Second
	maxClientMessageBytes = 64 << 10
	closeGracePeriod      = time.Second
)

// frameWriter writes one log event to a websocket.
type frameWriter func(conn *websocket.Conn, ev domain.LogEvent) error

// streamer serves live run logs. Every connection owns one hub subscription
// that it closes when either side goes away.
type streamer struct {
	runs     RunService
	cfg      StreamConfig
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

func newStreamer(runs RunService, cfg StreamConfig, origins []string, logger *slog.Logger) *streamer {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.ReadTimeout <= cfg.PingInterval {
		cfg.ReadTimeout = cfg.PingInterval + cfg.PingInterval/2
	}

	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[strings.TrimRight(o, "/")] = struct{}{}
	}
	_, allowAll := allowed["*"]

	return &streamer{
		runs: runs,
		cfg:  cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" || allowAll {
					return true
				}
				_, ok := allowed[origin]
				return ok
			},
		},
		logger: logger,
	}
}

func (s *streamer) serveWebSocket(w http.ResponseWriter, r *http.Request, runID uuid.UUID) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "run_id", runID, "error", err)
		return
	}

	s.pump(conn, s.runs.Attach(runID), writeJSONFrame)
}

// serveLegacyCampaign starts a run from the first client message and streams
// its log as "[LEVEL] text" lines until the run finishes.
func (s *streamer) serveLegacyCampaign(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "path", r.URL.Path, "error", err)
		return
	}

	cfg, err := s.readCampaign(conn)
	if err != nil {
		s.fail(conn, "invalid campaign: "+err.Error())
		return
	}

	runID, sub, err := s.runs.StartRunAttached(r.Context(), cfg)
	if err != nil {
		s.fail(conn, "start run failed: "+err.Error())
		return
	}
	s.logger.Info("legacy campaign stream started", "run_id", runID)

	s.pump(conn, sub, writeTextFrame)
}

func (s *streamer) readCampaign(conn *websocket.Conn) (domain.CampaignConfig, error) {
	conn.SetReadLimit(maxClientMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))

	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}

	var req startRunRequest
	if err := json.Unmarshal(msg, &req); err != nil {
		return nil, err
	}
	if req.Campaign != nil {
		return req.Campaign, nil
	}

	var bare domain.CampaignConfig
	if err := json.Unmarshal(msg, &bare); err != nil {
		return nil, err
	}
	if bare == nil {
		return nil, errors.New("campaign is required")
	}
	return bare, nil
}

func (s *streamer) fail(conn *websocket.Conn, text string) {
	defer conn.Close()

	deadline := time.Now().Add(s.cfg.WriteTimeout)
	_ = conn.SetWriteDeadline(deadline)
	_ = conn.WriteMessage(websocket.TextMessage, []byte("[ERROR] "+text))
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseUnsupportedData, ""), deadline)
}

// pump forwards sub to conn until the run's terminal marker has been sent or
// the client goes away.
func (s *streamer) pump(conn *websocket.Conn, sub *hub.Subscription, write frameWriter) {
	defer conn.Close()
	defer sub.Close()

	gone := make(chan struct{})
	go s.readPump(conn, gone)

	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				s.closeNormal(conn, gone)
				return
			}

			_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := write(conn, ev); err != nil {
				s.logger.Debug("websocket write failed", "run_id", sub.RunID(), "error", err)
				return
			}
			if ev.Terminal {
				s.closeNormal(conn, gone)
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-gone:
			s.logger.Debug("websocket client left", "run_id", sub.RunID(), "dropped", sub.Dropped())
			return
		}
	}
}

// readPump drains client messages, which only keep the connection alive, and
// closes gone when the connection breaks.
func (s *streamer) readPump(conn *websocket.Conn, gone chan<- struct{}) {
	defer close(gone)

	conn.SetReadLimit(maxClientMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				s.logger.Debug("websocket read failed", "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	}
}

// closeNormal sends a normal close frame and waits briefly for the client to
// answer it.
func (s *streamer) closeNormal(conn *websocket.Conn, gone <-chan struct{}) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, domain.TextRunFinished)
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.cfg.WriteTimeout)); err != nil {
		return
	}

	select {
	case <-gone:
	case <-time.After(closeGracePeriod):
	}
}

func (s *streamer) serveSSE(w http.ResponseWriter, r *http.Request, runID uuid.UUID) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sub := s.runs.Attach(runID)
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error("sse encode failed", "run_id", runID, "error", err)
				return
			}
			if _, err := fmt.Fprintf(w, "id: %d\nevent: log\ndata: %s\n\n", ev.Seq, payload); err != nil {
				return
			}
			flusher.Flush()
			if ev.Terminal {
				return
			}

		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeJSONFrame(conn *websocket.Conn, ev domain.LogEvent) error {
	return conn.WriteJSON(ev)
}

func writeTextFrame(conn *websocket.Conn, ev domain.LogEvent) error {
	return conn.WriteMessage(websocket.TextMessage, []byte(fmt.Sprintf("[%s] %s", ev.Level, ev.Text)))
}
