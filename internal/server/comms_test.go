package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	commsserver "github.com/nats-io/nats-server/v2/server"
	comms "github.com/nats-io/nats.go"

	"github.com/morezero/hostbridge/pkg/commsutil"
	"github.com/morezero/hostbridge/pkg/dispatcher"
)

const commsTestPrefix = "server:comms_test"

func startCommsServer(t *testing.T) *commsserver.Server {
	t.Helper()
	ns, err := commsserver.NewServer(&commsserver.Options{Host: "127.0.0.1", Port: -1, NoLog: true, NoSigs: true})
	if err != nil {
		t.Fatalf("%s - failed to create NATS server: %v", commsTestPrefix, err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatalf("%s - NATS server not ready", commsTestPrefix)
	}
	t.Cleanup(ns.Shutdown)
	return ns
}

func startCommsBridge(t *testing.T) (*Server, *comms.Conn) {
	t.Helper()
	ns := startCommsServer(t)
	cfg := testConfig(t)
	cfg.COMMSURL = ns.ClientURL()
	cfg.InvokeSubject = "test.invoke"
	cfg.EventSubject = "test.events"

	s := newTestServer(t, cfg)
	if err := s.Start(); err != nil {
		t.Fatalf("%s - Start: %v", commsTestPrefix, err)
	}
	client, err := comms.Connect(ns.ClientURL())
	if err != nil {
		t.Fatalf("%s - client connect: %v", commsTestPrefix, err)
	}
	t.Cleanup(client.Close)
	return s, client
}

func TestComms_InvokeJSON(t *testing.T) {
	s, client := startCommsBridge(t)

	msg, err := client.Request("test.invoke", []byte(`{"id":"n1","command":"file.exists","params":{"path":"/"}}`), 5*time.Second)
	if err != nil {
		t.Fatalf("%s - request: %v", commsTestPrefix, err)
	}
	var env dispatcher.InvokeResponse
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		t.Fatalf("%s - decode: %v", commsTestPrefix, err)
	}
	if !env.Ok || env.ID != "n1" {
		t.Errorf("%s - envelope = %+v", commsTestPrefix, env)
	}
	if got := s.audit.Recent(1); len(got) != 1 || got[0].Transport != transportComms {
		t.Errorf("%s - recorded = %+v", commsTestPrefix, got)
	}
}

func TestComms_InvokeCBOR(t *testing.T) {
	_, client := startCommsBridge(t)

	data, err := commsutil.EncodeCBOR(map[string]interface{}{"id": "n2", "command": "bogus.op"})
	if err != nil {
		t.Fatal(err)
	}
	req := comms.NewMsg("test.invoke")
	req.Header.Set("Content-Type", commsutil.ContentTypeCBOR)
	req.Data = data

	msg, err := client.RequestMsg(req, 5*time.Second)
	if err != nil {
		t.Fatalf("%s - request: %v", commsTestPrefix, err)
	}
	if ct := msg.Header.Get("Content-Type"); ct != commsutil.ContentTypeCBOR {
		t.Fatalf("%s - reply content type = %q", commsTestPrefix, ct)
	}
	var env map[string]interface{}
	if err := commsutil.DecodeCBOR(msg.Data, &env); err != nil {
		t.Fatalf("%s - decode: %v", commsTestPrefix, err)
	}
	errObj, _ := env["error"].(map[string]interface{})
	if env["ok"] != false || errObj["code"] != dispatcher.CodeUnknownCommand {
		t.Errorf("%s - envelope = %v", commsTestPrefix, env)
	}
}

func TestComms_MalformedRequest(t *testing.T) {
	_, client := startCommsBridge(t)

	msg, err := client.Request("test.invoke", []byte("{broken"), 5*time.Second)
	if err != nil {
		t.Fatalf("%s - request: %v", commsTestPrefix, err)
	}
	var env dispatcher.InvokeResponse
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		t.Fatalf("%s - decode: %v", commsTestPrefix, err)
	}
	if env.Ok || env.Error == nil || env.Error.Code != dispatcher.CodeInvalidParams {
		t.Errorf("%s - envelope = %+v", commsTestPrefix, env)
	}
}

func TestComms_CaptureEventAndFetch(t *testing.T) {
	ns := startCommsServer(t)
	cfg := testConfig(t)
	cfg.COMMSURL = ns.ClientURL()
	cfg.EventSubject = "test.events"
	cfg.ScreenCommand = `sh -c 'printf captured > "$0"' {output}`
	s := newTestServer(t, cfg)
	ts := newHTTPServer(t, s)

	client, err := comms.Connect(ns.ClientURL())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(client.Close)
	sub, err := client.SubscribeSync("test.events." + commsutil.EventResourceStored)
	if err != nil {
		t.Fatal(err)
	}
	client.Flush()

	_, env := postInvoke(t, ts.URL, `{"id":"cap","command":"screen.capture"}`)
	if !env.Ok {
		t.Fatalf("%s - screen.capture failed: %+v", commsTestPrefix, env.Error)
	}
	payload := env.Payload.(map[string]interface{})
	id, _ := payload["resourceId"].(string)
	if payload["mimeType"] != "image/png" || id == "" {
		t.Fatalf("%s - payload = %v", commsTestPrefix, payload)
	}

	msg, err := sub.NextMsg(5 * time.Second)
	if err != nil {
		t.Fatalf("%s - no resource event: %v", commsTestPrefix, err)
	}
	var event struct {
		Event string `json:"event"`
		Data  struct {
			ResourceID string `json:"resourceId"`
			Command    string `json:"command"`
		} `json:"data"`
	}
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		t.Fatal(err)
	}
	if event.Data.ResourceID != id || event.Data.Command != "screen.capture" {
		t.Errorf("%s - event = %+v", commsTestPrefix, event)
	}

	resp, err := http.Get(ts.URL + "/resources/" + id)
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "captured" {
		t.Errorf("%s - fetch = %d %q", commsTestPrefix, resp.StatusCode, body)
	}
}

func TestInvokeSubject(t *testing.T) {
	s := newTestServer(t, testConfig(t))
	s.profile.DisplayName = "Studio Mac"
	if got := s.invokeSubject(); got != "hostbridge.invoke.studio_mac" {
		t.Errorf("%s - invokeSubject = %q", commsTestPrefix, got)
	}
	s.cfg.InvokeSubject = "custom.subject"
	if got := s.invokeSubject(); got != "custom.subject" {
		t.Errorf("%s - invokeSubject = %q", commsTestPrefix, got)
	}
}

func sendRequest(t *testing.T, nc *comms.Conn, req *dispatcher.InvokeRequest) *dispatcher.InvokeResponse {
	t.Helper()
	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("%s - encode: %v", commsTestPrefix, err)
	}
	msg, err := nc.Request("test.invoke", data, 10*time.Second)
	if err != nil {
		t.Errorf("%s - request %s: %v", commsTestPrefix, req.Command, err)
		return &dispatcher.InvokeResponse{}
	}
	var resp dispatcher.InvokeResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		t.Fatalf("%s - decode: %v", commsTestPrefix, err)
	}
	return &resp
}

func TestComms_RequestIDPreservation(t *testing.T) {
	_, client := startCommsBridge(t)

	for _, id := range []string{"req-001", "unique-xyz-789", ""} {
		resp := sendRequest(t, client, &dispatcher.InvokeRequest{ID: id, Command: "nonexistent.op"})
		if resp.ID != id {
			t.Errorf("%s - ID = %q, want %q", commsTestPrefix, resp.ID, id)
		}
	}
}

func TestComms_ConcurrentRequests(t *testing.T) {
	_, client := startCommsBridge(t)

	const numRequests = 20
	results := make(chan *dispatcher.InvokeResponse, numRequests)
	for i := 0; i < numRequests; i++ {
		go func(idx int) {
			results <- sendRequest(t, client, &dispatcher.InvokeRequest{
				ID:      "concurrent-" + string(rune('a'+idx%26)),
				Command: "system.info",
			})
		}(i)
	}

	for i := 0; i < numRequests; i++ {
		select {
		case resp := <-results:
			if !resp.Ok {
				t.Errorf("%s - concurrent request failed: %v", commsTestPrefix, resp.Error)
			}
		case <-time.After(30 * time.Second):
			t.Fatalf("%s - timeout waiting for concurrent request %d", commsTestPrefix, i)
		}
	}
}

func TestComms_NonObjectParams(t *testing.T) {
	_, client := startCommsBridge(t)

	for _, command := range []string{"file.read", "file.list", "shell.exec", "screen.capture", "location.get"} {
		t.Run(command, func(t *testing.T) {
			resp := sendRequest(t, client, &dispatcher.InvokeRequest{
				ID:      "bad-" + command,
				Command: command,
				Params:  json.RawMessage(`"invalid"`),
			})
			if resp.Ok || resp.Error == nil {
				t.Fatalf("%s - expected failure for %s", commsTestPrefix, command)
			}
			if resp.Error.Code != dispatcher.CodeInvalidParams {
				t.Errorf("%s - %s error code = %q, want %q", commsTestPrefix, command, resp.Error.Code, dispatcher.CodeInvalidParams)
			}
		})
	}
}

func TestHandlerTracker_RefusesAfterClose(t *testing.T) {
	var tr handlerTracker
	if !tr.add() {
		t.Fatalf("%s - add on an open tracker should succeed", commsTestPrefix)
	}

	waited := make(chan struct{})
	go func() {
		tr.closeAndWait()
		close(waited)
	}()

	// closeAndWait marks the tracker closed before blocking on the handler.
	deadline := time.Now().Add(5 * time.Second)
	for {
		tr.mu.Lock()
		closed := tr.closed
		tr.mu.Unlock()
		if closed {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("%s - tracker never closed", commsTestPrefix)
		}
		time.Sleep(time.Millisecond)
	}

	if tr.add() {
		t.Errorf("%s - add after close should be refused", commsTestPrefix)
	}
	select {
	case <-waited:
		t.Fatalf("%s - closeAndWait returned with a handler in flight", commsTestPrefix)
	case <-time.After(20 * time.Millisecond):
	}

	tr.done()
	select {
	case <-waited:
	case <-time.After(5 * time.Second):
		t.Fatalf("%s - closeAndWait did not return after the handler finished", commsTestPrefix)
	}
	tr.closeAndWait()
}

func TestComms_ShutdownWithRequestsInFlight(t *testing.T) {
	s, client := startCommsBridge(t)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Replies may be lost once shutdown starts; only the absence of a
			// panic or hang matters here.
			client.Request("test.invoke", []byte(`{"id":"x","command":"system.info"}`), time.Second)
		}()
	}

	done := make(chan struct{})
	go func() {
		s.Shutdown(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatalf("%s - Shutdown hung with requests in flight", commsTestPrefix)
	}
	wg.Wait()

	if s.commsHandlers.add() {
		t.Errorf("%s - handlers must be refused after Shutdown", commsTestPrefix)
	}
}
