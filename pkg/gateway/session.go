package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/morezero/hostbridge/pkg/bootstrap"
	"github.com/morezero/hostbridge/pkg/clock"
	"github.com/morezero/hostbridge/pkg/dispatcher"
	"github.com/morezero/hostbridge/pkg/identity"
	"github.com/morezero/hostbridge/pkg/semver"
)

const logPrefix = "gateway:session"

// State is the pairing state of a session.
type State string

// Session states. Error is terminal for the session that entered it.
const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StatePaired       State = "paired"
	StateError        State = "error"
)

// Defaults applied by NewSession.
const (
	DefaultProtocol          = "1.0.0"
	DefaultChallengeWait     = 3 * time.Second
	DefaultHeartbeatInterval = 15 * time.Second
)

var (
	// ErrNotPaired is returned when sending on a session that has not completed pairing.
	ErrNotPaired = errors.New("gateway session is not paired")
	// ErrChallengeMissing is the failure when RequireChallenge is set and no challenge arrived.
	ErrChallengeMissing = errors.New("challenge not received")
	// ErrRejected wraps error frames received before pairing.
	ErrRejected = errors.New("gateway rejected the session")
	// ErrProtocol is returned when the gateway's protocol is outside ProtocolConstraint.
	ErrProtocol = errors.New("incompatible gateway protocol")
)

// Invoker executes invocations pushed by the gateway; *dispatcher.Dispatcher satisfies it.
type Invoker interface {
	Dispatch(ctx context.Context, req *dispatcher.InvokeRequest) *dispatcher.InvokeResponse
}

// Catalog describes what the node advertises in hello.
type Catalog interface {
	Commands() []string
	Capabilities() []string
}

// Transition is reported to Config.OnState on every state change.
type Transition struct {
	From   State
	To     State
	Reason string
	At     time.Time
}

// Config configures a Session.
type Config struct {
	URL string
	// Protocol is the version this node speaks.
	Protocol string
	// ProtocolConstraint, when set, must be satisfied by the protocol in hello-ok.
	ProtocolConstraint string
	ChallengeWait      time.Duration
	HeartbeatInterval  time.Duration
	// RequireChallenge refuses to send an unsigned hello.
	RequireChallenge bool

	Identity    *identity.Identity
	Tokens      identity.TokenStore
	Invoker     Invoker
	Catalog     Catalog
	Permissions func() map[string]bool
	Profile     *bootstrap.NodeProfile
	Dialer      Dialer
	Clock       clock.Clock
	OnState     func(Transition)
}

func (c *Config) applyDefaults() error {
	if c.URL == "" {
		return fmt.Errorf("%s - gateway URL is required", logPrefix)
	}
	if c.Invoker == nil {
		return fmt.Errorf("%s - an invoker is required", logPrefix)
	}
	if c.Protocol == "" {
		c.Protocol = DefaultProtocol
	}
	if c.ChallengeWait <= 0 {
		c.ChallengeWait = DefaultChallengeWait
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Tokens == nil {
		c.Tokens = &identity.MemoryTokenStore{}
	}
	if c.Profile == nil {
		c.Profile = bootstrap.GetDefaultProfile()
	}
	if c.Dialer == nil {
		c.Dialer = &WebsocketDialer{}
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	return nil
}

type challenge struct {
	nonce     string
	timestamp int64
}

// Session is one connection attempt to the gateway. Inbound frames are
// handled in receipt order by the goroutine running Run; invocations and the
// heartbeat run on their own goroutines and are cancelled together at teardown.
type Session struct {
	cfg Config

	mu         sync.Mutex
	state      State
	reason     string
	pending    *challenge
	conn       Conn
	serverName string
	paired     bool

	workers sync.WaitGroup
}

// NewSession validates cfg and returns a Disconnected session.
func NewSession(cfg Config) (*Session, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return &Session{cfg: cfg, state: StateDisconnected}, nil
}

// State returns the current state and, for StateError, the reason.
func (s *Session) State() (State, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.reason
}

// EverPaired reports whether the session reached StatePaired at some point.
func (s *Session) EverPaired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paired
}

// ServerName is the name announced in hello-ok.
func (s *Session) ServerName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverName
}

// Run connects, pairs and serves the session until ctx is cancelled or the
// session fails. It returns ctx.Err() on shutdown and the failure otherwise.
func (s *Session) Run(ctx context.Context) error {
	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.transition(StateConnecting, "")
	conn, err := s.cfg.Dialer.Dial(sessCtx, s.cfg.URL)
	if err != nil {
		if ctx.Err() != nil {
			s.transition(StateDisconnected, "shutdown")
			return ctx.Err()
		}
		return s.fail(err.Error(), err)
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	defer s.teardown(cancel, conn)

	frames := make(chan *Frame)
	readErrs := make(chan error, 1)
	failures := make(chan error, 1)
	go s.readLoop(sessCtx, conn, frames, readErrs)

	expired := make(chan struct{})
	timer := s.cfg.Clock.AfterFunc(s.cfg.ChallengeWait, func() { close(expired) })
	defer timer.Stop()

	helloSent := false
	for {
		var waiting <-chan struct{}
		if !helloSent {
			waiting = expired
		}

		select {
		case <-ctx.Done():
			s.transition(StateDisconnected, "shutdown")
			return ctx.Err()

		case err := <-readErrs:
			if ctx.Err() != nil {
				s.transition(StateDisconnected, "shutdown")
				return ctx.Err()
			}
			return s.fail(fmt.Sprintf("socket: %v", err), err)

		case err := <-failures:
			return s.fail(fmt.Sprintf("heartbeat: %v", err), err)

		case <-waiting:
			if s.cfg.RequireChallenge {
				return s.fail(ErrChallengeMissing.Error(), ErrChallengeMissing)
			}
			slog.Info(fmt.Sprintf("%s - no challenge within %s, sending unsigned hello", logPrefix, s.cfg.ChallengeWait))
			if err := s.sendHello(); err != nil {
				return s.fail(fmt.Sprintf("send hello: %v", err), err)
			}
			helloSent = true

		case f := <-frames:
			if err := s.handle(sessCtx, f, &helloSent, timer, failures); err != nil {
				return err
			}
		}
	}
}

func (s *Session) handle(ctx context.Context, f *Frame, helloSent *bool, timer clock.Timer, failures chan<- error) error {
	switch f.Type {
	case FrameChallenge:
		s.mu.Lock()
		s.pending = &challenge{nonce: f.Nonce, timestamp: f.Timestamp}
		s.mu.Unlock()
		if *helloSent {
			slog.Warn(fmt.Sprintf("%s - challenge arrived after hello; ignoring", logPrefix))
			return nil
		}
		timer.Stop()
		if err := s.sendHello(); err != nil {
			return s.fail(fmt.Sprintf("send hello: %v", err), err)
		}
		*helloSent = true

	case FrameHelloOk:
		if !*helloSent {
			slog.Warn(fmt.Sprintf("%s - hello-ok before hello; ignoring", logPrefix))
			return nil
		}
		if state, _ := s.State(); state == StatePaired {
			slog.Warn(fmt.Sprintf("%s - duplicate hello-ok; ignoring", logPrefix))
			return nil
		}
		return s.onPaired(ctx, f, failures)

	case FrameError, FrameHelloError:
		state, _ := s.State()
		if state == StatePaired {
			slog.Warn(fmt.Sprintf("%s - gateway error %s: %s", logPrefix, f.Code, f.Message))
			return nil
		}
		return s.fail(fmt.Sprintf("%s: %s", f.Code, f.Message), ErrRejected)

	case FramePing:
		return s.write(&PingFrame{Type: FramePong, ID: f.ID})

	case FramePong:
		slog.Debug(fmt.Sprintf("%s - pong id=%s", logPrefix, f.ID))

	case FrameInvoke:
		s.invoke(ctx, f)

	default:
		slog.Debug(fmt.Sprintf("%s - ignoring frame type=%s", logPrefix, f.Type))
	}
	return nil
}

func (s *Session) onPaired(ctx context.Context, f *Frame, failures chan<- error) error {
	if err := semver.CheckProtocol(f.Protocol, s.cfg.ProtocolConstraint); err != nil {
		return s.fail(fmt.Sprintf("protocol %s: %v", f.Protocol, err), fmt.Errorf("%w: %v", ErrProtocol, err))
	}
	if f.Token != "" {
		if err := s.cfg.Tokens.Save(f.Token); err != nil {
			slog.Warn(fmt.Sprintf("%s - failed to persist device token: %v", logPrefix, err))
		}
	}
	s.mu.Lock()
	s.serverName = f.ServerName
	s.paired = true
	s.mu.Unlock()
	s.transition(StatePaired, "")

	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		s.heartbeat(ctx, failures)
	}()
	return nil
}

func (s *Session) heartbeat(ctx context.Context, failures chan<- error) {
	ticker := s.cfg.Clock.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if err := s.write(&PingFrame{Type: FramePing, ID: uuid.NewString()}); err != nil {
				select {
				case failures <- err:
				default:
				}
				return
			}
		}
	}
}

func (s *Session) invoke(ctx context.Context, f *Frame) {
	req := f.invokeRequest()
	if state, _ := s.State(); state != StatePaired {
		resp := dispatcher.Failure(req.ID, dispatcher.Errorf(dispatcher.CodeNotPaired, "session is not paired"))
		if err := s.write(resp.AsSocketReply(req.ID)); err != nil {
			slog.Warn(fmt.Sprintf("%s - failed to reply to %s: %v", logPrefix, req.ID, err))
		}
		return
	}

	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		resp := s.cfg.Invoker.Dispatch(dispatcher.WithTransport(ctx, "gateway"), req)
		if ctx.Err() != nil {
			return
		}
		if err := s.write(resp.AsSocketReply(req.ID)); err != nil {
			slog.Warn(fmt.Sprintf("%s - failed to reply to %s: %v", logPrefix, req.ID, err))
		}
	}()
}

func (s *Session) sendHello() error {
	token, err := s.cfg.Tokens.Load()
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - failed to load device token: %v", logPrefix, err))
		token = ""
	}

	hello := &HelloFrame{
		Type:        FrameHello,
		ID:          uuid.NewString(),
		Protocol:    s.cfg.Protocol,
		Client:      s.cfg.Profile.ClientInfo(),
		Caps:        []string{},
		Commands:    []string{},
		Permissions: map[string]bool{},
		Token:       token,
	}
	if s.cfg.Catalog != nil {
		if caps := s.cfg.Catalog.Capabilities(); caps != nil {
			hello.Caps = caps
		}
		if cmds := s.cfg.Catalog.Commands(); cmds != nil {
			hello.Commands = cmds
		}
	}
	if s.cfg.Permissions != nil {
		if perms := s.cfg.Permissions(); perms != nil {
			hello.Permissions = perms
		}
	}

	// The pending challenge is consumed whether or not it could be signed.
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()
	if pending != nil {
		if sig, ok := s.cfg.Identity.Sign(pending.nonce, pending.timestamp); ok {
			hello.Device = &DeviceProof{
				ID:        s.cfg.Identity.ID(),
				PublicKey: s.cfg.Identity.PublicKey(),
				Signature: sig,
				SignedAt:  pending.timestamp,
				Nonce:     pending.nonce,
			}
		}
	}

	if err := s.write(hello); err != nil {
		return err
	}
	s.transition(StateConnected, "")
	return nil
}

// SendEvent forwards an event frame. It fails with ErrNotPaired before pairing.
func (s *Session) SendEvent(event string, payload interface{}) error {
	if state, _ := s.State(); state != StatePaired {
		return ErrNotPaired
	}
	return s.write(&EventFrame{Type: FrameEvent, Event: event, Payload: payload})
}

func (s *Session) write(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%s - encode frame: %w", logPrefix, err)
	}
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotPaired
	}
	return conn.WriteMessage(data)
}

func (s *Session) readLoop(ctx context.Context, conn Conn, frames chan<- *Frame, errs chan<- error) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			errs <- err
			return
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			errs <- fmt.Errorf("undecodable frame: %w", err)
			return
		}
		select {
		case frames <- &f:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) teardown(cancel context.CancelFunc, conn Conn) {
	cancel()
	if err := conn.Close(); err != nil {
		slog.Debug(fmt.Sprintf("%s - close: %v", logPrefix, err))
	}
	s.workers.Wait()
}

func (s *Session) fail(reason string, err error) error {
	s.transition(StateError, reason)
	return fmt.Errorf("%s - %s: %w", logPrefix, reason, err)
}

func (s *Session) transition(to State, reason string) {
	s.mu.Lock()
	from := s.state
	if from == StateError || from == to {
		s.mu.Unlock()
		return
	}
	s.state = to
	s.reason = reason
	s.mu.Unlock()

	if to == StateError {
		slog.Warn(fmt.Sprintf("%s - %s -> %s: %s", logPrefix, from, to, reason))
	} else {
		slog.Info(fmt.Sprintf("%s - %s -> %s", logPrefix, from, to))
	}
	if s.cfg.OnState != nil {
		s.cfg.OnState(Transition{From: from, To: to, Reason: reason, At: s.cfg.Clock.Now()})
	}
}
