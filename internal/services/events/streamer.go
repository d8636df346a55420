package events

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bobmcallan/nimbus/internal/common"
	"github.com/bobmcallan/nimbus/internal/interfaces"
	"github.com/bobmcallan/nimbus/internal/models"
)

const (
	streamPollInterval      = 400 * time.Millisecond
	streamHeartbeatInterval = 10 * time.Second
	streamBatchLimit        = 200
)

// Streamer serves the durable event log over SSE. It replays history
// from a client-supplied cursor and then follows the log by polling, so
// a reconnecting client resumes without gaps.
type Streamer struct {
	store             interfaces.JobStore
	logger            *common.Logger
	pollInterval      time.Duration
	heartbeatInterval time.Duration
}

// NewStreamer creates an SSE streamer backed by the job store.
func NewStreamer(store interfaces.JobStore, logger *common.Logger) *Streamer {
	return &Streamer{
		store:             store,
		logger:            logger,
		pollInterval:      streamPollInterval,
		heartbeatInterval: streamHeartbeatInterval,
	}
}

// Stream writes events for one job (or all jobs when jobID is empty)
// until the client disconnects. sinceID is the last event id the client
// has already seen.
func (s *Streamer) Stream(w http.ResponseWriter, r *http.Request, jobID string, sinceID int64) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// The stream outlives the server's write timeout.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Debug().Err(err).Msg("Failed to clear SSE write deadline")
	}

	ctx := r.Context()
	cursor, err := s.push(ctx, w, flusher, jobID, sinceID)
	if err != nil {
		return
	}

	poll := time.NewTicker(s.pollInterval)
	defer poll.Stop()
	heartbeat := time.NewTicker(s.heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-poll.C:
			cursor, err = s.push(ctx, w, flusher, jobID, cursor)
			if err != nil {
				return
			}

		case <-heartbeat.C:
			hb := &models.JobEvent{
				JobID:     jobID,
				Type:      models.EventHeartbeat,
				Timestamp: time.Now().UTC(),
			}
			if hb.JobID == "" {
				hb.JobID = "_all"
			}
			if err := writeSSE(w, hb); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// push drains everything past the cursor and returns the advanced
// cursor. A store error keeps the connection alive and retries on the
// next poll; a write error ends the stream.
func (s *Streamer) push(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, jobID string, since int64) (int64, error) {
	for {
		events, err := s.store.ListEvents(ctx, &models.EventFilter{
			JobID:   jobID,
			SinceID: since,
			Limit:   streamBatchLimit,
		})
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Warn().Err(err).Msg("SSE event read failed")
			}
			return since, nil
		}
		if len(events) == 0 {
			return since, nil
		}

		for _, event := range events {
			if err := writeSSE(w, event); err != nil {
				return since, err
			}
			if event.ID > since {
				since = event.ID
			}
		}
		flusher.Flush()

		if len(events) < streamBatchLimit {
			return since, nil
		}
	}
}

// writeSSE frames one event. Heartbeats carry no id, so they never move
// the client's Last-Event-ID.
func writeSSE(w io.Writer, event *models.JobEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if event.ID > 0 {
		if _, err := fmt.Fprintf(w, "id: %d\n", event.ID); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
	return err
}
