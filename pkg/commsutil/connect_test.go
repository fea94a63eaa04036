package commsutil

import (
	"testing"
	"time"

	commsserver "github.com/nats-io/nats-server/v2/server"
)

const connectTestPrefix = "commsutil:connect_test"

func startTestServer(t *testing.T, token string) *commsserver.Server {
	t.Helper()
	opts := &commsserver.Options{
		Host:          "127.0.0.1",
		Port:          -1,
		NoLog:         true,
		NoSigs:        true,
		Authorization: token,
	}
	ns, err := commsserver.NewServer(opts)
	if err != nil {
		t.Fatalf("%s - failed to create NATS server: %v", connectTestPrefix, err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatalf("%s - NATS server not ready", connectTestPrefix)
	}
	t.Cleanup(ns.Shutdown)
	return ns
}

func TestConnect_InvalidURL(t *testing.T) {
	nc, err := Connect("invalid://not-a-nats-server", "test-client", ConnectOptions{Timeout: time.Second})
	if err == nil {
		if nc != nil {
			nc.Close()
		}
		t.Fatalf("%s - expected error for invalid URL", connectTestPrefix)
	}
	if nc != nil {
		t.Errorf("%s - expected nil connection on error", connectTestPrefix)
	}
}

func TestConnect_WithToken(t *testing.T) {
	ns := startTestServer(t, "s3cret")

	if _, err := Connect(ns.ClientURL(), "no-token", ConnectOptions{Timeout: time.Second}); err == nil {
		t.Fatalf("%s - expected authorization failure without token", connectTestPrefix)
	}

	statuses := make(chan string, 4)
	nc, err := Connect(ns.ClientURL(), "with-token", ConnectOptions{
		Token:    "s3cret",
		OnStatus: func(s string) { statuses <- s },
	})
	if err != nil {
		t.Fatalf("%s - unexpected error: %v", connectTestPrefix, err)
	}
	if !nc.IsConnected() {
		t.Errorf("%s - expected connected client", connectTestPrefix)
	}

	nc.Close()
	select {
	case s := <-statuses:
		if s != "closed" && s != "disconnected" {
			t.Errorf("%s - unexpected status %q", connectTestPrefix, s)
		}
	case <-time.After(5 * time.Second):
		t.Errorf("%s - no status callback after close", connectTestPrefix)
	}
}
