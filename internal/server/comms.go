package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/hostbridge/pkg/commsutil"
	"github.com/morezero/hostbridge/pkg/dispatcher"
)

const commsLogPrefix = "server:comms"

// invokeSubject is BRIDGE_INVOKE_SUBJECT, or hostbridge.invoke.<node name>.
func (s *Server) invokeSubject() string {
	if s.cfg.InvokeSubject != "" {
		return s.cfg.InvokeSubject
	}
	return commsutil.BuildInvokeSubject(commsutil.SubjectInvoke, s.profile.DisplayName)
}

// subscribeInvoke serves invocations published as COMMS requests. Each
// message is handled on its own goroutine; the subscription callback only
// hands it off.
func (s *Server) subscribeInvoke(ctx context.Context) (*comms.Subscription, error) {
	subject := s.invokeSubject()
	sub, err := s.nc.Subscribe(subject, func(msg *comms.Msg) {
		if !s.commsHandlers.add() {
			slog.Debug(fmt.Sprintf("%s - shutting down, dropping invocation on %s", commsLogPrefix, msg.Subject))
			return
		}
		go func() {
			defer s.commsHandlers.done()
			s.handleCommsInvoke(ctx, msg)
		}()
	})
	if err != nil {
		return nil, fmt.Errorf("%s - failed to subscribe to %s: %w", commsLogPrefix, subject, err)
	}
	slog.Info(fmt.Sprintf("%s - Subscribed to %s", commsLogPrefix, subject))
	return sub, nil
}

// handlerTracker counts in-flight COMMS handlers. Once closed it refuses new
// handlers, so the wait in closeAndWait cannot race a late add.
type handlerTracker struct {
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func (t *handlerTracker) add() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.wg.Add(1)
	return true
}

func (t *handlerTracker) done() { t.wg.Done() }

func (t *handlerTracker) closeAndWait() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.wg.Wait()
}

func (s *Server) handleCommsInvoke(ctx context.Context, msg *comms.Msg) {
	if msg.Reply == "" {
		slog.Warn(fmt.Sprintf("%s - dropping invocation on %s without a reply subject", commsLogPrefix, msg.Subject))
		return
	}

	codec, err := commsutil.CodecFor(msg.Header.Get("Content-Type"))
	if err != nil {
		s.respondComms(msg, commsutil.JSON, dispatcher.Failure("", dispatcher.InvalidParams("unsupported content type %q", msg.Header.Get("Content-Type"))))
		return
	}

	req, err := decodeInvokeRequest(codec, msg.Data)
	if err != nil {
		slog.Error(fmt.Sprintf("%s - failed to decode request: %v", commsLogPrefix, err))
		s.respondComms(msg, codec, dispatcher.Failure("", dispatcher.InvalidParams("request is not a valid invocation: %v", err)))
		return
	}

	reqCtx, cancel := context.WithTimeout(dispatcher.WithTransport(ctx, transportComms), s.cfg.RequestTimeout)
	defer cancel()
	s.respondComms(msg, codec, s.disp.Dispatch(reqCtx, req))
}

func (s *Server) respondComms(msg *comms.Msg, codec commsutil.Codec, resp *dispatcher.InvokeResponse) {
	data, err := codec.Encode(resp)
	if err != nil {
		slog.Error(fmt.Sprintf("%s - failed to encode response: %v", commsLogPrefix, err))
		codec = commsutil.JSON
		data, _ = codec.Encode(dispatcher.Failure(resp.ID, dispatcher.Errorf(dispatcher.CodeInternalError, "failed to encode response: %v", err)))
	}
	reply := comms.NewMsg(msg.Reply)
	reply.Header.Set("Content-Type", codec.ContentType)
	reply.Data = data
	if err := msg.RespondMsg(reply); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to respond on %s: %v", commsLogPrefix, msg.Reply, err))
	}
}
