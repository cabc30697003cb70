// Package queue holds requests the gateway could not deliver and replays
// them in the background until the upstream answers or retries run out.
package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type RetryRequest struct {
	ID         string
	Method     string
	URL        string
	Headers    map[string]string
	Body       []byte
	RetryAt    time.Time
	RetryCount int
	MaxRetries int
}

// Sender delivers a request and returns the upstream status code. An error
// or a 5xx status means the request should be tried again.
type Sender func(ctx context.Context, req *RetryRequest) (int, error)

type Queue struct {
	mu    sync.Mutex
	items []*RetryRequest
	now   func() time.Time
	log   *slog.Logger
}

func New(log *slog.Logger) *Queue {
	if log == nil {
		log = slog.Default()
	}
	return &Queue{now: time.Now, log: log}
}

func (q *Queue) Enqueue(req *RetryRequest) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, req)
}

// Dequeue removes and returns the first request that is due, or nil.
func (q *Queue) Dequeue() *RetryRequest {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	for i, req := range q.items {
		if !req.RetryAt.After(now) {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return req
		}
	}
	return nil
}

func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) Snapshot() []RetryRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]RetryRequest, len(q.items))
	for i, r := range q.items {
		out[i] = *r
	}
	return out
}

// Run drains due requests every interval until ctx is done.
func (q *Queue) Run(ctx context.Context, interval time.Duration, send Sender) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.Drain(ctx, interval, send)
		}
	}
}

// Drain makes one delivery attempt for every request that is currently due.
// Failed attempts are rescheduled with a delay of backoff times the attempt count.
func (q *Queue) Drain(ctx context.Context, backoff time.Duration, send Sender) {
	var retry []*RetryRequest
	defer func() {
		for _, r := range retry {
			q.Enqueue(r)
		}
	}()

	for {
		if ctx.Err() != nil {
			return
		}
		req := q.Dequeue()
		if req == nil {
			return
		}

		status, err := send(ctx, req)
		if err == nil && status < 500 {
			q.log.Info("queued request delivered",
				"id", req.ID, "method", req.Method, "url", req.URL, "status", status)
			continue
		}

		req.RetryCount++
		if req.MaxRetries > 0 && req.RetryCount >= req.MaxRetries {
			q.log.Error("dropping queued request after max retries",
				"id", req.ID, "method", req.Method, "url", req.URL, "retries", req.RetryCount, "error", err, "status", status)
			continue
		}
		req.RetryAt = q.now().Add(backoff * time.Duration(req.RetryCount))
		q.log.Warn("queued request failed, rescheduling",
			"id", req.ID, "retry_at", req.RetryAt, "error", err, "status", status)
		retry = append(retry, req)
	}
}
