package job

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// ShutdownState is the controller's lifecycle.
type ShutdownState string

const (
	StateRunning       ShutdownState = "RUNNING"
	StateStopRequested ShutdownState = "STOP_REQUESTED"
	StateStopping      ShutdownState = "STOPPING"
	StateStopped       ShutdownState = "STOPPED"
)

// defaultForceTimeout bounds how long a graceful stop may take before
// in-flight work is cancelled.
const defaultForceTimeout = 5 * time.Second

// ShutdownController coordinates graceful and forced stops. The scheduler
// polls StopRequested at its loop boundaries and runs all fetches on
// Context; a forced stop cancels that context.
type ShutdownController struct {
	mu      sync.Mutex
	state   ShutdownState
	reason  string
	forced  bool
	stopCh  chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	timeout time.Duration
	timer   *time.Timer
	log     *slog.Logger
}

// NewShutdownController derives the run context from parent. forceTimeout
// zero selects the 5s default.
func NewShutdownController(parent context.Context, forceTimeout time.Duration) *ShutdownController {
	if forceTimeout <= 0 {
		forceTimeout = defaultForceTimeout
	}
	ctx, cancel := context.WithCancel(parent)
	return &ShutdownController{
		state:   StateRunning,
		stopCh:  make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
		timeout: forceTimeout,
		log:     slog.Default().With("component", "shutdown"),
	}
}

// Notify installs INT/TERM handlers. The first signal requests a graceful
// stop; a second forces immediate cancellation.
func (s *ShutdownController) Notify() {
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-ch
		s.Stop("signal: " + sig.String())
		sig = <-ch
		s.log.Warn("second signal, cancelling now", "signal", sig.String())
		s.forceNow()
	}()
}

// Context is cancelled when the stop is forced (or the parent dies).
func (s *ShutdownController) Context() context.Context {
	return s.ctx
}

// Done is closed when a stop has been requested.
func (s *ShutdownController) Done() <-chan struct{} {
	return s.stopCh
}

// Stop requests a graceful stop and arms the force timer. Subsequent calls
// force immediately.
func (s *ShutdownController) Stop(reason string) {
	s.mu.Lock()
	switch s.state {
	case StateRunning:
		s.state = StateStopRequested
		s.reason = reason
		close(s.stopCh)
		s.timer = time.AfterFunc(s.timeout, s.forceNow)
		s.mu.Unlock()
		s.log.Info("stop requested", "reason", reason, "force_after", s.timeout)
	case StateStopRequested, StateStopping:
		s.mu.Unlock()
		s.forceNow()
	default:
		s.mu.Unlock()
	}
}

// forceNow cancels all in-flight work.
func (s *ShutdownController) forceNow() {
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return
	}
	if s.state == StateRunning {
		// Forced without a prior request (second-signal race); record it.
		s.reason = "forced"
		close(s.stopCh)
	}
	s.state = StateStopping
	s.forced = true
	s.mu.Unlock()

	s.log.Warn("forcing shutdown, cancelling in-flight work")
	s.cancel()
}

// StopRequested reports whether a stop has been asked for.
func (s *ShutdownController) StopRequested() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

// MarkStopped finalizes the controller once the scheduler has wound down.
func (s *ShutdownController) MarkStopped() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.state = StateStopped
}

// State returns the current lifecycle state.
func (s *ShutdownController) State() ShutdownState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Forced reports whether the stop escalated to cancellation.
func (s *ShutdownController) Forced() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.forced
}

// Reason returns the recorded shutdown reason.
func (s *ShutdownController) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}
