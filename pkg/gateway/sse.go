package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/taskpilot/agentd/internal/store"
	"github.com/taskpilot/agentd/pkg/relay"
)

// handleStream serves a session's output. Terminal sessions get a JSON
// snapshot; active sessions get a server-sent-event stream of relay
// events with periodic heartbeats, bounded by the session timeout plus
// a fixed grace period.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	sess, err := s.store.GetSession(r.Context(), r.PathValue("workspace"), sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		log.Error().Err(err).Msg("Failed to load session for streaming")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if sess.Status.Terminal() {
		writeJSON(w, http.StatusOK, toPayload(sess))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Attach before writing headers so no event published during
	// header negotiation is missed.
	sub := s.hub.Subscribe(sessionID)
	defer sub.Close()

	s.metrics.StreamObservers.Inc()
	defer s.metrics.StreamObservers.Dec()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	writeSSE(w, "connected", map[string]string{"session_id": sessionID, "status": string(sess.Status)})
	flusher.Flush()

	heartbeat := time.NewTicker(s.options.Stream.Heartbeat())
	defer heartbeat.Stop()

	deadline := time.NewTimer(sess.Timeout() + s.options.Stream.Grace())
	defer deadline.Stop()

	log.Debug().Str("session_id", sessionID).Msg("Stream observer attached")

	for {
		select {
		case <-r.Context().Done():
			log.Debug().Str("session_id", sessionID).Msg("Stream observer disconnected")
			return

		case <-deadline.C:
			writeSSE(w, string(relay.EventError), relay.Event{
				Type:    relay.EventError,
				Content: "stream timed out",
			})
			flusher.Flush()
			log.Warn().Str("session_id", sessionID).Msg("Stream observer hit the wall-clock deadline")
			return

		case <-heartbeat.C:
			// SSE comment line, ignored by clients but keeps
			// intermediaries from closing the connection.
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()

		case ev, open := <-sub.C():
			if !open {
				return
			}
			writeSSE(w, string(ev.Type), ev)
			flusher.Flush()
			// error may arrive without a trailing done when the
			// publisher dies mid-finalize.
			if ev.Type == relay.EventDone || ev.Type == relay.EventError {
				return
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		log.Debug().Err(err).Msg("Failed to marshal SSE payload")
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
}
