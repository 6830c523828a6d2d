package dispatch

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/openrates/feedmux/common"
)

// ErrRetryExhausted returned when a client has used up all allowed retries
var ErrRetryExhausted = errors.New("retry attempts exhausted")

// maxRetryJitter upper bound of the random addition to a backoff delay
const maxRetryJitter = time.Second

// RetryFunc one reconnect attempt for a client
type RetryFunc func(ctxt context.Context) error

// AbandonFunc notification that a client's retries are exhausted
type AbandonFunc func(clientID string, attempts int)

// RetryScheduler manages backoff timing for peers or upstream feeds
// that must be reconnected after a drop, with bounded retries.
//
// Per client the state machine is idle -> scheduled -> (on fire)
// attempt -> idle on success, scheduled again on failure, or abandoned
// once the attempt count reaches the configured maximum. At most one
// timer is pending per client; scheduling while one is pending cancels
// the stale timer first.
type RetryScheduler interface {
	// ScheduleRetry schedule a reconnect attempt for a client. Returns
	// ErrRetryExhausted when the client transitions to abandoned.
	ScheduleRetry(clientID string, retryFn RetryFunc) error
	// Cleanup cancel any pending timer and drop all state for a client
	Cleanup(clientID string)
	// ResetAttempts zero the attempt counter without canceling a
	// currently pending timer
	ResetAttempts(clientID string)
	// PendingRetries number of clients with a timer currently pending
	PendingRetries() int
}

// retryState per-client scheduler state
type retryState struct {
	attempts    int
	timerCancel context.CancelFunc
	// generation identifies the currently armed timer. A fired timer
	// whose generation no longer matches was superseded and must not
	// run its attempt.
	generation uint64
}

// retrySchedulerImpl implements RetryScheduler
type retrySchedulerImpl struct {
	common.Component
	lock        sync.Mutex
	clients     map[string]*retryState
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxRetries  int
	onAbandon   AbandonFunc
	rootContext context.Context
	wg          *sync.WaitGroup
	jitter      func() time.Duration
}

// DefineRetryScheduler create new reconnect retry scheduler
func DefineRetryScheduler(
	baseDelay time.Duration,
	maxDelay time.Duration,
	maxRetries int,
	onAbandon AbandonFunc,
	rootCtxt context.Context,
	wg *sync.WaitGroup,
) (RetryScheduler, error) {
	logTags := log.Fields{
		"module": "dispatch", "component": "retry-scheduler",
	}
	return &retrySchedulerImpl{
		Component:   common.Component{LogTags: logTags},
		clients:     make(map[string]*retryState),
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
		maxRetries:  maxRetries,
		onAbandon:   onAbandon,
		rootContext: rootCtxt,
		wg:          wg,
		jitter: func() time.Duration {
			return time.Duration(rand.Int63n(int64(maxRetryJitter)))
		},
	}, nil
}

// ScheduleRetry schedule a reconnect attempt for a client
func (s *retrySchedulerImpl) ScheduleRetry(clientID string, retryFn RetryFunc) error {
	s.lock.Lock()
	state, ok := s.clients[clientID]
	if !ok {
		state = &retryState{}
		s.clients[clientID] = state
	}

	if state.attempts >= s.maxRetries {
		// Terminal. Clear all state for the client and report.
		attempts := state.attempts
		if state.timerCancel != nil {
			state.timerCancel()
		}
		delete(s.clients, clientID)
		s.lock.Unlock()
		log.WithFields(s.LogTags).Errorf(
			"Abandoning client %s after %d attempts", clientID, attempts,
		)
		if s.onAbandon != nil {
			s.onAbandon(clientID, attempts)
		}
		return ErrRetryExhausted
	}

	// One pending timer per client. A stale timer is cancelled before
	// the replacement is armed.
	if state.timerCancel != nil {
		state.timerCancel()
	}
	delay := s.computeDelay(state.attempts)
	attemptNumber := state.attempts + 1
	timerCtxt, timerCancel := context.WithCancel(s.rootContext)
	state.timerCancel = timerCancel
	state.generation++
	generation := state.generation
	s.lock.Unlock()

	log.WithFields(s.LogTags).Infof(
		"Scheduled attempt %d for client %s in %s", attemptNumber, clientID, delay,
	)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-timerCtxt.Done():
			return
		case <-time.After(delay):
		}
		s.lock.Lock()
		current, ok := s.clients[clientID]
		if !ok || current.generation != generation {
			// Superseded by a newer timer or cleaned up while firing
			s.lock.Unlock()
			return
		}
		current.timerCancel = nil
		s.lock.Unlock()
		if err := retryFn(s.rootContext); err != nil {
			log.WithError(err).WithFields(s.LogTags).Infof(
				"Reconnect attempt for client %s failed", clientID,
			)
			s.lock.Lock()
			if current, ok := s.clients[clientID]; ok {
				current.attempts++
			}
			s.lock.Unlock()
			_ = s.ScheduleRetry(clientID, retryFn)
			return
		}
		log.WithFields(s.LogTags).Infof("Client %s reconnected", clientID)
		s.Cleanup(clientID)
	}()
	return nil
}

// computeDelay exponential backoff with jitter, capped at maxDelay
func (s *retrySchedulerImpl) computeDelay(attempts int) time.Duration {
	delay := s.baseDelay << uint(attempts)
	if delay <= 0 || delay > s.maxDelay {
		return s.maxDelay
	}
	delay += s.jitter()
	if delay > s.maxDelay {
		return s.maxDelay
	}
	return delay
}

// Cleanup cancel any pending timer and drop all state for a client
func (s *retrySchedulerImpl) Cleanup(clientID string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	state, ok := s.clients[clientID]
	if !ok {
		return
	}
	if state.timerCancel != nil {
		state.timerCancel()
	}
	delete(s.clients, clientID)
}

// ResetAttempts zero the attempt counter for a client
func (s *retrySchedulerImpl) ResetAttempts(clientID string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if state, ok := s.clients[clientID]; ok {
		state.attempts = 0
	}
}

// PendingRetries number of clients with a timer currently pending
func (s *retrySchedulerImpl) PendingRetries() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	pending := 0
	for _, state := range s.clients {
		if state.timerCancel != nil {
			pending++
		}
	}
	return pending
}
