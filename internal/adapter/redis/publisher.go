package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/codesabhinav/whatsapp-me/internal/adapter/metrics"
	"github.com/codesabhinav/whatsapp-me/internal/domain"
	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"
)

const (
	channelPrefix = "session:"
	// StatusKey is a hash of user id to the latest status JSON.
	StatusKey = "sessions:status"

	publishQueueSize = 512
	publishTimeout   = 2 * time.Second
)

// ChannelName returns the pub/sub channel carrying userID's status updates.
func ChannelName(userID string) string {
	return channelPrefix + userID
}

type publishJob struct {
	status  domain.SessionStatus
	removed bool
}

var _ domain.SessionObserver = (*SessionEventPublisher)(nil)

// SessionEventPublisher mirrors registry state changes into Redis: each change is
// published on the user's channel and stored in StatusKey. Notifications are queued
// and written by a background goroutine; when the queue is full they are dropped.
type SessionEventPublisher struct {
	rdb     *goredis.Client
	metrics *metrics.RedisMetrics
	clock   clockwork.Clock

	jobs     chan publishJob
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewSessionEventPublisher starts the publishing goroutine. m may be nil.
func NewSessionEventPublisher(rdb *goredis.Client, m *metrics.RedisMetrics, clock clockwork.Clock) *SessionEventPublisher {
	p := &SessionEventPublisher{
		rdb:     rdb,
		metrics: m,
		clock:   clock,
		jobs:    make(chan publishJob, publishQueueSize),
		done:    make(chan struct{}),
	}
	p.wg.Add(1)
	go p.run()
	return p
}

func (p *SessionEventPublisher) SessionChanged(s domain.Session) {
	p.enqueue(publishJob{status: s.Status()})
}

func (p *SessionEventPublisher) SessionRemoved(userID string) {
	p.enqueue(publishJob{status: domain.RemovedStatus(userID, p.clock.Now()), removed: true})
}

func (p *SessionEventPublisher) enqueue(job publishJob) {
	select {
	case <-p.done:
		return
	default:
	}

	select {
	case p.jobs <- job:
	default:
		p.observe("dropped")
		slog.Warn("Session event queue full, dropping event", "user_id", job.status.UserID, "readiness", job.status.Readiness)
	}
}

func (p *SessionEventPublisher) run() {
	defer p.wg.Done()
	for {
		select {
		case job := <-p.jobs:
			p.publish(job)
		case <-p.done:
			p.drain()
			return
		}
	}
}

func (p *SessionEventPublisher) drain() {
	for {
		select {
		case job := <-p.jobs:
			p.publish(job)
		default:
			return
		}
	}
}

func (p *SessionEventPublisher) publish(job publishJob) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if err := p.write(ctx, job); err != nil {
		p.observe("error")
		slog.Warn("Failed to publish session event", "user_id", job.status.UserID, "error", err)
		return
	}
	p.observe("success")
}

func (p *SessionEventPublisher) write(ctx context.Context, job publishJob) error {
	payload, err := json.Marshal(job.status)
	if err != nil {
		return fmt.Errorf("failed to marshal session status: %w", err)
	}

	pipe := p.rdb.TxPipeline()
	if job.removed {
		pipe.HDel(ctx, StatusKey, job.status.UserID)
	} else {
		pipe.HSet(ctx, StatusKey, job.status.UserID, payload)
	}
	pipe.Publish(ctx, ChannelName(job.status.UserID), payload)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to write session event: %w", err)
	}
	return nil
}

func (p *SessionEventPublisher) observe(result string) {
	if p.metrics != nil {
		p.metrics.EventsPublished.WithLabelValues(result).Inc()
	}
}

// Stop flushes queued events and stops the publishing goroutine.
func (p *SessionEventPublisher) Stop() {
	p.stopOnce.Do(func() { close(p.done) })
	p.wg.Wait()
}
