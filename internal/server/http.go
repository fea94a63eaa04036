package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/morezero/hostbridge/pkg/bootstrap"
	"github.com/morezero/hostbridge/pkg/commsutil"
	"github.com/morezero/hostbridge/pkg/dispatcher"
	"github.com/morezero/hostbridge/pkg/gateway"
	"github.com/morezero/hostbridge/pkg/permission"
	"github.com/morezero/hostbridge/pkg/resource"
)

const httpLogPrefix = "server:http"

const defaultMaxBodyBytes = 10 << 20

// Handler returns the HTTP surface: /invoke, /resources/{id}, /ws, /health,
// /ready and the status page. When BRIDGE_HTTP_TOKEN is set every path but
// /health requires it as a bearer token.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleHome())
	mux.HandleFunc("/invoke", s.handleInvoke())
	mux.HandleFunc("/resources/", s.handleResource())
	mux.HandleFunc("/ws", s.handleSocket())
	mux.HandleFunc("/health", s.handleHealth())
	mux.HandleFunc("/ready", s.handleReady())
	return s.requireToken(mux)
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	if s.cfg.HTTPToken == "" {
		return next
	}
	want := []byte("Bearer " + s.cfg.HTTPToken)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		got := []byte(r.Header.Get("Authorization"))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			w.Header().Set("WWW-Authenticate", `Bearer realm="hostbridge"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// wireRequest is the codec-neutral form of an invocation body.
type wireRequest struct {
	ID      string                 `json:"id,omitempty"`
	Type    string                 `json:"type,omitempty"`
	Command string                 `json:"command"`
	Params  map[string]interface{} `json:"params,omitempty"`
}

// decodeInvokeRequest decodes a request body. JSON bodies keep their raw
// params so the dispatcher reports malformed params itself; CBOR params are
// re-encoded as JSON.
func decodeInvokeRequest(codec commsutil.Codec, body []byte) (*dispatcher.InvokeRequest, error) {
	if codec.ContentType == commsutil.ContentTypeJSON {
		var req dispatcher.InvokeRequest
		if err := codec.Decode(body, &req); err != nil {
			return nil, err
		}
		return &req, nil
	}

	var wire wireRequest
	if err := codec.Decode(body, &wire); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(wire.Params)
	if err != nil {
		return nil, fmt.Errorf("params are not JSON-compatible: %w", err)
	}
	return &dispatcher.InvokeRequest{ID: wire.ID, Type: wire.Type, Command: wire.Command, Params: raw}, nil
}

func writeEnvelope(w http.ResponseWriter, codec commsutil.Codec, status int, resp *dispatcher.InvokeResponse) {
	data, err := codec.Encode(resp)
	if err != nil {
		slog.Error(fmt.Sprintf("%s - failed to encode response: %v", httpLogPrefix, err))
		codec = commsutil.JSON
		data, _ = codec.Encode(dispatcher.Failure(resp.ID, dispatcher.Errorf(dispatcher.CodeInternalError, "failed to encode response: %v", err)))
	}
	w.Header().Set("Content-Type", codec.ContentType)
	w.WriteHeader(status)
	w.Write(data)
}

// handleInvoke answers POST /invoke. Every decodable invocation gets 200 with
// its envelope, whether or not the command succeeded.
func (s *Server) handleInvoke() http.HandlerFunc {
	maxBody := s.cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		contentType := r.Header.Get("Content-Type")
		codec, err := commsutil.CodecFor(contentType)
		if err != nil {
			writeEnvelope(w, commsutil.JSON, http.StatusUnsupportedMediaType,
				dispatcher.Failure("", dispatcher.InvalidParams("unsupported content type %q", contentType)))
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
		if err != nil {
			status := http.StatusBadRequest
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				status = http.StatusRequestEntityTooLarge
			}
			writeEnvelope(w, codec, status, dispatcher.Failure("", dispatcher.InvalidParams("failed to read request body: %v", err)))
			return
		}

		req, err := decodeInvokeRequest(codec, body)
		if err != nil {
			writeEnvelope(w, codec, http.StatusBadRequest,
				dispatcher.Failure("", dispatcher.InvalidParams("request body is not a valid invocation: %v", err)))
			return
		}

		ctx, cancel := context.WithTimeout(dispatcher.WithTransport(r.Context(), transportHTTP), s.cfg.RequestTimeout)
		defer cancel()
		writeEnvelope(w, codec, http.StatusOK, s.disp.Dispatch(ctx, req))
	}
}

// handleResource serves GET /resources/{id} with the stored content type.
// Expired and unknown ids are 404.
func (s *Server) handleResource() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		id := strings.TrimPrefix(r.URL.Path, "/resources/")
		if id == "" || strings.Contains(id, "/") {
			http.NotFound(w, r)
			return
		}

		data, entry, err := s.store.Read(id)
		if errors.Is(err, resource.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		if err != nil {
			slog.Error(fmt.Sprintf("%s - failed to read resource %s: %v", httpLogPrefix, id, err))
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", entry.MimeType)
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Expires", entry.ExpiresAt.UTC().Format(http.TimeFormat))
		if r.Method == http.MethodHead {
			return
		}
		w.Write(data)
	}
}

// healthOutput is the /health body.
type healthOutput struct {
	Status    string       `json:"status"`
	Version   string       `json:"version"`
	DeviceID  string       `json:"deviceId"`
	Uptime    string       `json:"uptime"`
	Timestamp string       `json:"timestamp"`
	Checks    healthChecks `json:"checks"`
}

type healthChecks struct {
	Resources int    `json:"resources"`
	Gateway   string `json:"gateway"`
	Comms     string `json:"comms"`
	Audit     string `json:"audit"`
}

func (s *Server) health() healthOutput {
	h := healthOutput{
		Status:    "healthy",
		Version:   bootstrap.Version,
		DeviceID:  s.identity.ID(),
		Uptime:    time.Since(s.startedAt).Truncate(time.Second).String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks: healthChecks{
			Resources: s.store.Len(),
			Gateway:   "disabled",
			Comms:     "disabled",
			Audit:     "memory",
		},
	}
	if s.supervisor != nil {
		h.Checks.Gateway = string(s.supervisor.Status().State)
	}
	if s.nc != nil {
		h.Checks.Comms = "connected"
		if !s.nc.IsConnected() {
			h.Checks.Comms = "disconnected"
			h.Status = "unhealthy"
		}
	}
	if s.pool != nil {
		h.Checks.Audit = "database"
	}
	return h
}

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h := s.health()
		w.Header().Set("Content-Type", "application/json")
		if h.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(h)
	}
}

// handleReady reports ready unless a configured gateway session is not paired.
func (s *Server) handleReady() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if s.supervisor != nil {
			if st := s.supervisor.Status(); st.State != gateway.StatePaired {
				w.WriteHeader(http.StatusServiceUnavailable)
				json.NewEncoder(w).Encode(map[string]string{"status": "not ready", "gateway": string(st.State)})
				return
			}
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
	}
}

// homePageTemplate is the bridge status page (white bg, black/blue text).
const homePageTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <title>hostbridge – {{.Profile.DisplayName}}</title>
  <style>
    * { box-sizing: border-box; }
    body { background: #fff; color: #000; font-family: system-ui, sans-serif; margin: 0; padding: 2rem; line-height: 1.5; }
    h1, h2 { color: #0066cc; }
    .ok { color: #0066cc; font-weight: bold; }
    .bad { color: #cc0000; font-weight: bold; }
    table { border-collapse: collapse; width: 100%; max-width: 900px; margin-top: 0.5rem; }
    th, td { text-align: left; padding: 0.5rem 0.75rem; border: 1px solid #ccc; }
    th { background: #f0f4f8; color: #0066cc; }
    .meta { color: #333; font-size: 0.9rem; }
    section { margin-bottom: 2rem; }
    code { font-size: 0.85rem; }
  </style>
</head>
<body>
  <h1>hostbridge</h1>
  <p class="meta">{{.Profile.DisplayName}} · {{.Profile.Platform}} · version {{.Health.Version}} · up {{.Health.Uptime}}</p>

  <section>
    <h2>Device</h2>
    <p>Device id: <code>{{.Health.DeviceID}}</code></p>
    <p>Stored resources: <span class="ok">{{.Health.Checks.Resources}}</span></p>
    <p>COMMS: {{.Health.Checks.Comms}} · Audit: {{.Health.Checks.Audit}}</p>
  </section>

  <section>
    <h2>Gateway session</h2>
    {{if .Gateway}}
    <p>Gateway: {{.Gateway.Gateway}}</p>
    <p>State: <span class="{{if eq (print .Gateway.State) "paired"}}ok{{else}}bad{{end}}">{{.Gateway.State}}</span>{{if .Gateway.Reason}} ({{.Gateway.Reason}}){{end}}</p>
    {{if .Gateway.ServerName}}<p>Server: {{.Gateway.ServerName}}</p>{{end}}
    <p>Attempt: {{.Gateway.Attempt}}</p>
    {{else}}
    <p>No gateway configured.</p>
    {{end}}
  </section>

  <section>
    <h2>Capabilities</h2>
    <table>
      <thead><tr><th>Capability</th><th>Permission</th><th>Host service</th></tr></thead>
      <tbody>
        {{range .Capabilities}}
        <tr>
          <td>{{.Name}}</td>
          <td>{{if .Granted}}<span class="ok">granted</span>{{else}}<span class="bad">denied</span>{{end}}</td>
          <td>{{if .Available}}available{{else}}<span class="bad">unavailable</span>{{end}}</td>
        </tr>
        {{end}}
      </tbody>
    </table>
  </section>

  <section>
    <h2>Recent invocations</h2>
    {{if not .Recent}}
    <p>No invocations yet.</p>
    {{else}}
    <table>
      <thead><tr><th>Time</th><th>Command</th><th>Transport</th><th>Result</th><th>Duration</th></tr></thead>
      <tbody>
        {{range .Recent}}
        <tr>
          <td>{{.At.Format "15:04:05"}}</td>
          <td>{{.Command}}</td>
          <td>{{.Transport}}</td>
          <td>{{if .Ok}}<span class="ok">ok</span>{{else}}<span class="bad">{{.Code}}</span>{{end}}</td>
          <td>{{.Duration}}</td>
        </tr>
        {{end}}
      </tbody>
    </table>
    {{end}}
  </section>
</body>
</html>
`

// capabilityRow is one line of the capabilities table.
type capabilityRow struct {
	Name      string
	Granted   bool
	Available bool
}

// homeData is the data passed to the home page template.
type homeData struct {
	Profile      *bootstrap.NodeProfile
	Health       healthOutput
	Gateway      *gateway.Status
	Capabilities []capabilityRow
	Recent       []dispatcher.InvocationRecord
}

func (s *Server) capabilityRows() []capabilityRow {
	available := s.services.Available()
	caps := s.disp.Capabilities()
	granted := permission.Report(s.gate, caps)
	rows := make([]capabilityRow, 0, len(caps))
	for _, c := range caps {
		svc, known := available[c]
		rows = append(rows, capabilityRow{Name: c, Granted: granted[c], Available: !known || svc})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Name < rows[j].Name })
	return rows
}

// handleHome returns an HTTP handler for the status page.
func (s *Server) handleHome() http.HandlerFunc {
	tmpl := template.Must(template.New("home").Parse(homePageTemplate))
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		data := homeData{
			Profile:      s.profile,
			Health:       s.health(),
			Capabilities: s.capabilityRows(),
			Recent:       s.audit.Recent(recentCapacity),
		}
		if s.supervisor != nil {
			st := s.supervisor.Status()
			data.Gateway = &st
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := tmpl.Execute(w, data); err != nil {
			slog.Error(fmt.Sprintf("%s - home template execute: %v", httpLogPrefix, err))
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
	}
}
