package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/morezero/hostbridge/pkg/commsutil"
	"github.com/morezero/hostbridge/pkg/events"
)

const supervisorLogPrefix = "gateway:supervisor"

// Reconnect backoff bounds.
const (
	MinBackoff        = time.Second
	DefaultMaxBackoff = 30 * time.Second
)

// Status is a snapshot of the supervised connection for status pages.
type Status struct {
	State      State  `json:"state"`
	Reason     string `json:"reason,omitempty"`
	Attempt    int    `json:"attempt"`
	Gateway    string `json:"gateway"`
	ServerName string `json:"serverName,omitempty"`
}

// Supervisor keeps a session to the gateway alive, creating a fresh Session
// per attempt with capped exponential backoff between attempts.
type Supervisor struct {
	cfg        Config
	maxBackoff time.Duration
	events     events.EventPublisher
	deviceID   string

	mu      sync.Mutex
	current *Session
	status  Status
}

// NewSupervisor validates cfg. publisher receives a SessionChangedEvent for
// every state transition and may be nil.
func NewSupervisor(cfg Config, maxBackoff time.Duration, publisher events.EventPublisher) (*Supervisor, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	if maxBackoff < MinBackoff {
		maxBackoff = DefaultMaxBackoff
	}
	if publisher == nil {
		publisher = &events.NoOpPublisher{}
	}
	s := &Supervisor{
		cfg:        cfg,
		maxBackoff: maxBackoff,
		events:     publisher,
		status:     Status{State: StateDisconnected, Gateway: cfg.URL},
	}
	if cfg.Identity != nil {
		s.deviceID = cfg.Identity.ID()
	}
	return s, nil
}

// Run blocks until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	backoff := MinBackoff
	for attempt := 1; ; attempt++ {
		sess, err := s.newSession(attempt)
		if err != nil {
			return err
		}
		err = sess.Run(ctx)
		if ctx.Err() != nil {
			slog.Info(fmt.Sprintf("%s - stopped", supervisorLogPrefix))
			return nil
		}
		if sess.EverPaired() {
			backoff = MinBackoff
		}
		slog.Warn(fmt.Sprintf("%s - attempt %d ended: %v; reconnecting in %s", supervisorLogPrefix, attempt, err, backoff))

		if !s.sleep(ctx, backoff) {
			return nil
		}
		backoff *= 2
		if backoff > s.maxBackoff {
			backoff = s.maxBackoff
		}
	}
}

func (s *Supervisor) newSession(attempt int) (*Session, error) {
	cfg := s.cfg
	onState := cfg.OnState
	cfg.OnState = func(t Transition) {
		s.record(attempt, t)
		if onState != nil {
			onState(t)
		}
	}
	sess, err := NewSession(cfg)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.current = sess
	s.mu.Unlock()
	return sess, nil
}

func (s *Supervisor) record(attempt int, t Transition) {
	s.mu.Lock()
	s.status.State = t.To
	s.status.Reason = t.Reason
	s.status.Attempt = attempt
	if t.To == StateConnecting {
		s.status.ServerName = ""
	}
	if t.To == StatePaired && s.current != nil {
		s.status.ServerName = s.current.ServerName()
	}
	s.mu.Unlock()

	err := s.events.PublishSessionChanged(context.Background(), &events.SessionChangedEvent{
		State:     string(t.To),
		Previous:  string(t.From),
		Reason:    t.Reason,
		Gateway:   s.cfg.URL,
		DeviceID:  s.deviceID,
		Attempt:   attempt,
		Timestamp: t.At.UTC().Format(time.RFC3339),
	})
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - failed to publish session event: %v", supervisorLogPrefix, err))
	}
}

func (s *Supervisor) sleep(ctx context.Context, d time.Duration) bool {
	wake := make(chan struct{})
	timer := s.cfg.Clock.AfterFunc(d, func() { close(wake) })
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-wake:
		return true
	}
}

// Status returns the latest session state.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// PublishSessionChanged implements events.EventPublisher. Session changes
// originate here, so they are not forwarded back to the gateway.
func (s *Supervisor) PublishSessionChanged(context.Context, *events.SessionChangedEvent) error {
	return nil
}

// PublishResourceCreated forwards the event to the gateway when the current
// session is paired and drops it otherwise.
func (s *Supervisor) PublishResourceCreated(_ context.Context, event *events.ResourceCreatedEvent) error {
	s.mu.Lock()
	sess := s.current
	s.mu.Unlock()
	if sess == nil {
		return nil
	}
	if err := sess.SendEvent(commsutil.EventResourceStored, event); err != nil && !errors.Is(err, ErrNotPaired) {
		return fmt.Errorf("%s - forward resource event: %w", supervisorLogPrefix, err)
	}
	return nil
}
