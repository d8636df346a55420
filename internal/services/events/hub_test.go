package events

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bobmcallan/nimbus/internal/common"
	"github.com/bobmcallan/nimbus/internal/models"
)

func testLogger() *common.Logger {
	return common.NewSilentLogger()
}

func progressEvent(jobID string, id int64) *models.JobEvent {
	return &models.JobEvent{
		ID:        id,
		JobID:     jobID,
		Type:      models.EventJobProgress,
		Timestamp: time.Now().UTC(),
		Payload:   map[string]any{"bytes": float64(id * 100)},
	}
}

func waitForClients(t *testing.T, hub *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for hub.ClientCount() != want {
		if time.Now().After(deadline) {
			t.Fatalf("client count never reached %d (now %d)", want, hub.ClientCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func dialWS(t *testing.T, server *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) *models.JobEvent {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var event models.JobEvent
	if err := json.Unmarshal(data, &event); err != nil {
		t.Fatalf("bad frame %q: %v", data, err)
	}
	return &event
}

func TestHub_PublishWithoutClientsNeverBlocks(t *testing.T) {
	hub := NewHub(testLogger())
	// No Run loop draining: filling past the channel capacity must drop,
	// not block.
	for i := 0; i < 500; i++ {
		hub.Publish(progressEvent("job-1", int64(i)))
	}
	if hub.ClientCount() != 0 {
		t.Errorf("ClientCount = %d, want 0", hub.ClientCount())
	}
}

func TestHub_StopIsIdempotent(t *testing.T) {
	hub := NewHub(testLogger())
	go hub.Run()
	hub.Stop()
	hub.Stop()
}

func TestHub_BroadcastsToSubscriber(t *testing.T) {
	hub := NewHub(testLogger())
	go hub.Run()
	defer hub.Stop()

	server := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer server.Close()

	conn := dialWS(t, server, "")
	waitForClients(t, hub, 1)

	hub.Publish(progressEvent("job-1", 1))
	event := readEvent(t, conn)
	if event.JobID != "job-1" || event.Type != models.EventJobProgress {
		t.Errorf("unexpected event: %+v", event)
	}

	// An unfiltered client sees every job.
	hub.Publish(progressEvent("job-2", 2))
	if event := readEvent(t, conn); event.JobID != "job-2" {
		t.Errorf("expected job-2 event, got %+v", event)
	}
}

func TestHub_JobFilterNarrowsSubscription(t *testing.T) {
	hub := NewHub(testLogger())
	go hub.Run()
	defer hub.Stop()

	server := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer server.Close()

	conn := dialWS(t, server, "?job_id=job-1")
	waitForClients(t, hub, 1)

	// The other job's event must be skipped, so the next frame the
	// client sees is the job-1 event published after it.
	hub.Publish(progressEvent("job-2", 1))
	hub.Publish(progressEvent("job-1", 2))

	event := readEvent(t, conn)
	if event.JobID != "job-1" || event.ID != 2 {
		t.Errorf("filter leaked: %+v", event)
	}
}

func TestHub_DisconnectUnregisters(t *testing.T) {
	hub := NewHub(testLogger())
	go hub.Run()
	defer hub.Stop()

	server := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer server.Close()

	conn := dialWS(t, server, "")
	waitForClients(t, hub, 1)

	conn.Close()
	waitForClients(t, hub, 0)
}
