package gateway

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/voragate/gateway/pkg/api"
)

type handleEntry struct {
	status    api.RequestStatus
	expiresAt time.Time
}

// Submit runs a request asynchronously and returns a handle for polling.
// Completed handles are kept for the handle TTL, then swept.
func (s *Service) Submit(ctx context.Context, req *api.Request) (string, error) {
	s.normalize(req)
	handle := uuid.New().String()

	s.handlesMu.Lock()
	s.sweepLocked()
	s.handles[handle] = &handleEntry{
		status:    api.RequestStatus{Handle: handle, State: api.StatePending},
		expiresAt: s.now().Add(s.handleTTL),
	}
	s.handlesMu.Unlock()

	// The request outlives the submitting HTTP call; only an explicit
	// deadline bounds it.
	execCtx := context.Background()
	var cancel context.CancelFunc = func() {}
	if !req.Deadline.IsZero() {
		execCtx, cancel = context.WithDeadline(execCtx, req.Deadline)
	}

	go func() {
		defer cancel()
		outcome, err := s.Execute(execCtx, req)
		s.settle(handle, outcome, err)
	}()

	return handle, nil
}

func (s *Service) settle(handle string, outcome *api.Outcome, err error) {
	s.handlesMu.Lock()
	defer s.handlesMu.Unlock()

	entry, ok := s.handles[handle]
	if !ok {
		return
	}
	if err != nil {
		entry.status.State = api.StateFailed
		entry.status.Error = err.Error()
		s.logger.Warn("submitted request failed",
			zap.String("handle", handle),
			zap.Error(err),
		)
	} else {
		entry.status.State = api.StateCompleted
		entry.status.Outcome = outcome
	}
	entry.expiresAt = s.now().Add(s.handleTTL)
}

// Status looks up a submitted request. Unknown or expired handles return a
// not-found error.
func (s *Service) Status(handle string) (api.RequestStatus, error) {
	s.handlesMu.Lock()
	defer s.handlesMu.Unlock()

	s.sweepLocked()
	entry, ok := s.handles[handle]
	if !ok {
		return api.RequestStatus{}, api.NotFoundError("unknown or expired handle")
	}
	return entry.status, nil
}

// sweepLocked drops expired handles. Called opportunistically on access so
// no janitor goroutine is needed.
func (s *Service) sweepLocked() {
	now := s.now()
	for h, entry := range s.handles {
		if now.After(entry.expiresAt) {
			delete(s.handles, h)
		}
	}
}
