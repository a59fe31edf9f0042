package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openmusicplayer/spotidown/internal/download"
	"github.com/openmusicplayer/spotidown/internal/logger"
)

type fakeJobs struct {
	mu   sync.Mutex
	jobs map[string]download.Job
}

func (f *fakeJobs) Get(id string) (download.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return download.Job{}, download.ErrJobNotFound
	}
	return j, nil
}

func (f *fakeJobs) set(j download.Job) {
	f.mu.Lock()
	f.jobs[j.ID] = j
	f.mu.Unlock()
}

func setup(t *testing.T, jobs *fakeJobs) (*Hub, string) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	hub := NewHub(nil)
	go hub.Run(ctx)

	h := NewHandler(hub, jobs, []string{"*"}, logger.Discard())
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/job/{id}/ws", h.ServeJob)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg map[string]interface{}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	return msg
}

func TestServeJob_StreamsUntilTerminal(t *testing.T) {
	base := time.Now()
	job := download.Job{ID: "job-1", CollectionName: "Mix", Status: download.StatusQueued, Total: 2, UpdatedAt: base}
	jobs := &fakeJobs{jobs: map[string]download.Job{job.ID: job}}
	hub, wsURL := setup(t, jobs)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"/api/job/job-1/ws", nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	first := readMessage(t, conn)
	if first["type"] != MessageTypeJobUpdate || first["status"] != "queued" || first["progress"] != "0/2" {
		t.Fatalf("unexpected snapshot %v", first)
	}

	job.Status = download.StatusProcessing
	job.Completed = 1
	job.UpdatedAt = base.Add(time.Second)
	hub.Notify(context.Background(), job)

	second := readMessage(t, conn)
	if second["status"] != "processing" || second["progress"] != "1/2" {
		t.Fatalf("unexpected update %v", second)
	}

	job.Status = download.StatusDone
	job.Completed = 2
	job.Succeeded = 2
	job.ArchiveArtifactID = "a1"
	job.UpdatedAt = base.Add(2 * time.Second)
	hub.Notify(context.Background(), job)

	last := readMessage(t, conn)
	if last["status"] != "done" || last["download_url"] != "/api/job/job-1/download" {
		t.Fatalf("unexpected final message %v", last)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("expected normal close after terminal status, got %v", err)
	}
}

func TestServeJob_TerminalJobClosesImmediately(t *testing.T) {
	jobs := &fakeJobs{jobs: map[string]download.Job{
		"failed": {ID: "failed", Status: download.StatusError, Error: "no track could be downloaded", Total: 1, Completed: 1},
	}}
	_, wsURL := setup(t, jobs)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"/api/job/failed/ws", nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	msg := readMessage(t, conn)
	if msg["status"] != "error" || msg["error"] == "" {
		t.Fatalf("unexpected message %v", msg)
	}
	if _, ok := msg["download_url"]; ok {
		t.Error("failed job must not advertise a download")
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected the connection to close")
	}
}

func TestServeJob_UnknownJob(t *testing.T) {
	_, wsURL := setup(t, &fakeJobs{jobs: map[string]download.Job{}})

	_, resp, err := websocket.DefaultDialer.Dial(wsURL+"/api/job/missing/ws", nil)
	if err == nil {
		t.Fatal("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %+v", resp)
	}

	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	json.NewDecoder(resp.Body).Decode(&body)
	if body.Error.Code != "JOB_NOT_FOUND" {
		t.Errorf("expected JOB_NOT_FOUND, got %+v", body)
	}
}

func TestHub_DropsSlowClient(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := NewHub(nil)
	go hub.Run(ctx)

	client := NewClient(hub, nil, "job-x")
	if !hub.Register(client) {
		t.Fatal("Register() should succeed while the hub runs")
	}
	if hub.ClientCount("job-x") != 1 {
		t.Fatalf("expected 1 client, got %d", hub.ClientCount("job-x"))
	}

	job := download.Job{ID: "job-x", Status: download.StatusProcessing}
	for i := 0; i < sendBufferSize+1; i++ {
		hub.Notify(context.Background(), job)
	}

	if hub.ClientCount("job-x") != 0 {
		t.Error("client with a full buffer should be dropped")
	}
	if hub.TotalClients() != 0 {
		t.Errorf("expected no clients, got %d", hub.TotalClients())
	}
}

func TestHub_RegisterAfterStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub(nil)
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()
	cancel()
	<-stopped

	if hub.Register(NewClient(hub, nil, "late")) {
		t.Error("Register() should fail after the hub stopped")
	}
	hub.Unregister(NewClient(hub, nil, "late"))
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://app.example"})

	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"https://app.example", true},
		{"http://api.local", true},
		{"https://evil.example", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "http://api.local/api/job/x/ws", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		if got := check(r); got != tt.want {
			t.Errorf("origin %q: got %v, want %v", tt.origin, got, tt.want)
		}
	}
}
