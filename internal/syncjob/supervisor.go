package syncjob

import (
	"context"
	"runtime/debug"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/stanstork/garmin-sync/internal/sentry"
)

// Runner starts background processing of a persisted job.
type Runner interface {
	Launch(ctx context.Context, jobID string) error
}

// RunSupervised is Process with panics turned into a failed job.
func (o *Orchestrator) RunSupervised(ctx context.Context, jobID string) (err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		err = sentry.PanicError(r)
		o.logger.Error().
			Str("job_id", jobID).
			Interface("panic", r).
			Str("stack", string(debug.Stack())).
			Msg("sync job panicked")
		sentry.CaptureException(err, map[string]string{"job_id": jobID, "component": "sync_orchestrator"})
		if markErr := o.MarkFailed(ctx, jobID, err); markErr != nil {
			o.logger.Error().Err(markErr).Str("job_id", jobID).Msg("failed to mark panicked job failed")
		}
	}()
	return o.Process(ctx, jobID)
}

// Handle tracks one background run.
type Handle struct {
	JobID string
	done  chan struct{}
	err   error
}

func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err is valid once Done is closed.
func (h *Handle) Err() error {
	return h.err
}

// Supervisor runs jobs on goroutines owned by the process. Shutdown cancels
// their context, which pauses them at the next step.
type Supervisor struct {
	orch    *Orchestrator
	logger  zerolog.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	handles map[string]*Handle
}

func NewSupervisor(parent context.Context, orch *Orchestrator, logger zerolog.Logger) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	return &Supervisor{
		orch:    orch,
		logger:  logger.With().Str("component", "sync_supervisor").Logger(),
		ctx:     ctx,
		cancel:  cancel,
		handles: map[string]*Handle{},
	}
}

// Launch starts jobID in the background. The request context only bounds
// the launch itself, not the run.
func (s *Supervisor) Launch(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return errors.New("supervisor is shutting down")
	}
	if _, running := s.handles[jobID]; running {
		return ErrJobBusy
	}

	h := &Handle{JobID: jobID, done: make(chan struct{})}
	s.handles[jobID] = h
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(h.done)
		defer func() {
			s.mu.Lock()
			delete(s.handles, jobID)
			s.mu.Unlock()
		}()

		h.err = s.orch.RunSupervised(s.ctx, jobID)
		if h.err != nil && !errors.Is(h.err, ErrJobBusy) {
			s.logger.Error().Err(h.err).Str("job_id", jobID).Msg("background sync ended with error")
		}
	}()
	s.logger.Debug().Str("job_id", jobID).Msg("background sync launched")
	return nil
}

// Handle returns the live handle for jobID, if any.
func (s *Supervisor) Handle(jobID string) (*Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[jobID]
	return h, ok
}

// Shutdown stops every run and waits for them until ctx expires.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.cancel()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "waiting for background syncs")
	}
}
