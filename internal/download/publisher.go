package download

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"

	"github.com/openmusicplayer/spotidown/internal/logger"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	keyJobSnapshot = "spotidown:jobstate:"

	defaultDialTimeout = 5 * time.Second
)

// Publisher mirrors job updates into Redis: a snapshot per job with a TTL and
// a pub/sub message on "<channel>:<jobID>" so other processes can follow
// progress.
type Publisher struct {
	client  *redis.Client
	channel string
	ttl     time.Duration
	log     *logger.Logger
}

// NewPublisher connects to redisURL and verifies the connection.
func NewPublisher(redisURL, channel string, ttl time.Duration, log *logger.Logger) (*Publisher, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), defaultDialTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	if log == nil {
		log = logger.Default().WithComponent("publisher")
	}
	return &Publisher{client: client, channel: channel, ttl: ttl, log: log}, nil
}

// Close closes the Redis connection
func (p *Publisher) Close() error {
	return p.client.Close()
}

// Ping reports whether Redis is reachable.
func (p *Publisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// Notify implements Notifier. Failures are logged and otherwise ignored; the
// in-process registry stays authoritative.
func (p *Publisher) Notify(ctx context.Context, job Job) {
	data, err := json.Marshal(job)
	if err != nil {
		p.log.Error(ctx, "failed to marshal job update", err)
		return
	}

	pipe := p.client.TxPipeline()
	pipe.Set(ctx, keyJobSnapshot+job.ID, data, p.ttl)
	pipe.Publish(ctx, p.channelFor(job.ID), data)
	if _, err := pipe.Exec(ctx); err != nil {
		p.log.WarnErr(ctx, "failed to publish job update", err, map[string]interface{}{"job_id": job.ID})
	}
}

// Snapshot returns the last job state written to Redis.
func (p *Publisher) Snapshot(ctx context.Context, jobID string) (*Job, error) {
	data, err := p.client.Get(ctx, keyJobSnapshot+jobID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job snapshot: %w", err)
	}

	var job Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

// Subscribe follows updates for one job. It returns once Redis has confirmed
// the subscription, so anything published afterwards is delivered.
func (p *Publisher) Subscribe(ctx context.Context, jobID string) (*Subscription, error) {
	pubsub := p.client.Subscribe(ctx, p.channelFor(jobID))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to job %s: %w", jobID, err)
	}
	return &Subscription{pubsub: pubsub, done: make(chan struct{})}, nil
}

func (p *Publisher) channelFor(jobID string) string {
	return fmt.Sprintf("%s:%s", p.channel, jobID)
}

// Subscription is a Redis pub/sub subscription to one job's updates.
type Subscription struct {
	pubsub    *redis.PubSub
	done      chan struct{}
	closeOnce sync.Once
}

// Channel decodes updates as they arrive. It is closed when the subscription
// is closed; malformed payloads are skipped.
func (s *Subscription) Channel() <-chan Job {
	jobCh := make(chan Job)
	msgs := s.pubsub.Channel()

	go func() {
		defer close(jobCh)
		for msg := range msgs {
			var job Job
			if err := json.Unmarshal([]byte(msg.Payload), &job); err != nil {
				continue
			}
			select {
			case jobCh <- job:
			case <-s.done:
				return
			}
		}
	}()

	return jobCh
}

func (s *Subscription) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return s.pubsub.Close()
}
