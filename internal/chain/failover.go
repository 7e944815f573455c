package chain

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// Endpoints rotates between explorer base URLs. Every call tries each URL at
// most once, starting at the sticky current one; the sticky index moves
// after failThreshold consecutive failures.
type Endpoints struct {
	urls          []string
	index         int
	failCount     int
	failThreshold int
	mu            sync.Mutex
}

func NewEndpoints(urls []string, failThreshold int) (*Endpoints, error) {
	list := sanitizeEndpoints(urls)
	if len(list) == 0 {
		return nil, errors.New("explorer endpoints is empty")
	}
	if failThreshold <= 0 {
		failThreshold = 3
	}
	return &Endpoints{urls: list, failThreshold: failThreshold}, nil
}

func (e *Endpoints) Current() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.urls[e.index]
}

func (e *Endpoints) Do(ctx context.Context, fn func(base string) error) error {
	e.mu.Lock()
	start := e.index
	e.mu.Unlock()

	var lastErr error
	for i := 0; i < len(e.urls); i++ {
		idx := (start + i) % len(e.urls)
		err := fn(e.urls[idx])
		if err == nil {
			e.resetFailures(idx)
			return nil
		}
		lastErr = err
		e.noteFailure(idx)
		if ctx.Err() != nil {
			break
		}
	}
	return lastErr
}

func (e *Endpoints) resetFailures(idx int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.index == idx {
		e.failCount = 0
	}
}

func (e *Endpoints) noteFailure(idx int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.index != idx {
		return
	}
	e.failCount++
	if e.failCount >= e.failThreshold {
		e.index = (e.index + 1) % len(e.urls)
		e.failCount = 0
	}
}

func sanitizeEndpoints(endpoints []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(endpoints))
	for _, ep := range endpoints {
		ep = strings.TrimSpace(ep)
		if ep == "" {
			continue
		}
		ep = strings.TrimRight(ep, "/")
		if _, ok := seen[ep]; ok {
			continue
		}
		seen[ep] = struct{}{}
		out = append(out, ep)
	}
	return out
}
