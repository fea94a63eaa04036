package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/morezero/hostbridge/pkg/dispatcher"
	"github.com/morezero/hostbridge/pkg/gateway"
)

const socketLogPrefix = "server:socket"

const socketWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     localOrigin,
}

// localOrigin admits non-browser clients and pages served from loopback.
func localOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// socketFrame is an inbound frame from a local adapter.
type socketFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Command string          `json:"command,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// socketError reports a frame the bridge could not act on.
type socketError struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// handleSocket upgrades GET /ws. Adapters send invoke frames and receive
// invoke-res frames carrying the same id; invocations run concurrently and
// replies may arrive out of order.
func (s *Server) handleSocket() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Warn(fmt.Sprintf("%s - upgrade failed from %s: %v", socketLogPrefix, r.RemoteAddr, err))
			return
		}
		slog.Debug(fmt.Sprintf("%s - adapter connected from %s", socketLogPrefix, r.RemoteAddr))
		s.serveSocket(r.Context(), ws)
		slog.Debug(fmt.Sprintf("%s - adapter %s disconnected", socketLogPrefix, r.RemoteAddr))
	}
}

func (s *Server) serveSocket(parent context.Context, ws *websocket.Conn) {
	ctx, cancel := context.WithCancel(parent)
	stopOnShutdown := context.AfterFunc(s.ctx, cancel)
	// Closing the socket unblocks ReadMessage once the connection is cancelled.
	stopClose := context.AfterFunc(ctx, func() { ws.Close() })

	var (
		writeMu  sync.Mutex
		inflight sync.WaitGroup
	)
	defer func() {
		cancel()
		inflight.Wait()
		stopOnShutdown()
		stopClose()
		ws.Close()
	}()

	write := func(v interface{}) {
		data, err := json.Marshal(v)
		if err != nil {
			slog.Error(fmt.Sprintf("%s - failed to encode frame: %v", socketLogPrefix, err))
			return
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		ws.SetWriteDeadline(time.Now().Add(socketWriteTimeout))
		if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
			slog.Debug(fmt.Sprintf("%s - write failed: %v", socketLogPrefix, err))
		}
	}

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug(fmt.Sprintf("%s - read failed: %v", socketLogPrefix, err))
			}
			return
		}

		var frame socketFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			write(socketError{Type: gateway.FrameError, Code: dispatcher.CodeInvalidParams, Message: fmt.Sprintf("undecodable frame: %v", err)})
			continue
		}

		switch frame.Type {
		case gateway.FramePing:
			write(gateway.PingFrame{Type: gateway.FramePong, ID: frame.ID})
		case dispatcher.TypeInvoke:
			inflight.Add(1)
			go func(frame socketFrame) {
				defer inflight.Done()
				reqCtx, cancelReq := context.WithTimeout(dispatcher.WithTransport(ctx, transportSocket), s.cfg.RequestTimeout)
				defer cancelReq()
				resp := s.disp.Dispatch(reqCtx, &dispatcher.InvokeRequest{
					ID:      frame.ID,
					Type:    frame.Type,
					Command: frame.Command,
					Params:  frame.Params,
				})
				write(resp.AsSocketReply(frame.ID))
			}(frame)
		default:
			write(socketError{Type: gateway.FrameError, ID: frame.ID, Code: dispatcher.CodeInvalidParams, Message: fmt.Sprintf("unsupported frame type %q", frame.Type)})
		}
	}
}
