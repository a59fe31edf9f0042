package download

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/openmusicplayer/spotidown/internal/logger"
)

func newTestPublisher(t *testing.T) *Publisher {
	t.Helper()
	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		redisURL = "redis://localhost:6379"
	}
	channel := fmt.Sprintf("spotidown:test:%d", time.Now().UnixNano())
	p, err := NewPublisher(redisURL, channel, time.Minute, logger.Discard())
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func TestPublisher_SnapshotAndSubscribe(t *testing.T) {
	p := newTestPublisher(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	jobID := fmt.Sprintf("job-%d", time.Now().UnixNano())
	t.Cleanup(func() { p.client.Del(context.Background(), keyJobSnapshot+jobID) })

	sub, err := p.Subscribe(ctx, jobID)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()
	updates := sub.Channel()

	p.Notify(ctx, Job{ID: jobID, CollectionName: "Road Trip", Status: StatusProcessing, Total: 2, Completed: 1})

	select {
	case job := <-updates:
		if job.ID != jobID || job.Progress() != "1/2" {
			t.Errorf("unexpected update %+v", job)
		}
	case <-ctx.Done():
		t.Fatal("no update received")
	}

	snap, err := p.Snapshot(ctx, jobID)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Status != StatusProcessing || snap.CollectionName != "Road Trip" {
		t.Errorf("unexpected snapshot %+v", snap)
	}
}

func TestPublisher_SnapshotMissing(t *testing.T) {
	p := newTestPublisher(t)

	_, err := p.Snapshot(context.Background(), "never-published")
	if !errors.Is(err, ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}
}

func TestSubscription_CloseWhileUndrained(t *testing.T) {
	p := newTestPublisher(t)
	ctx := context.Background()
	jobID := fmt.Sprintf("job-%d", time.Now().UnixNano())
	t.Cleanup(func() { p.client.Del(context.Background(), keyJobSnapshot+jobID) })

	sub, err := p.Subscribe(ctx, jobID)
	if err != nil {
		t.Fatal(err)
	}
	updates := sub.Channel()
	p.Notify(ctx, Job{ID: jobID, Status: StatusQueued, Total: 1})

	time.Sleep(50 * time.Millisecond)
	if err := sub.Close(); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-updates:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("channel not closed after Close")
		}
	}
}
