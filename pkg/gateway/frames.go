// Package gateway maintains the paired persistent socket to a remote gateway:
// the challenge/hello handshake, heartbeats and invocations pushed by the gateway.
package gateway

import (
	"encoding/json"

	"github.com/morezero/hostbridge/pkg/dispatcher"
)

// Frame types exchanged with the gateway.
const (
	FrameChallenge  = "challenge"
	FrameHello      = "hello"
	FrameHelloOk    = "hello-ok"
	FrameHelloError = "hello-error"
	FrameError      = "error"
	FramePing       = "ping"
	FramePong       = "pong"
	FrameEvent      = "event"
	FrameInvoke     = dispatcher.TypeInvoke
	FrameInvokeRes  = dispatcher.TypeInvokeRes
)

// Frame is the union of every inbound frame. Only the fields relevant to Type are set.
type Frame struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`

	// challenge
	Nonce     string `json:"nonce,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`

	// hello-ok
	Token      string `json:"token,omitempty"`
	ServerName string `json:"serverName,omitempty"`
	Protocol   string `json:"protocol,omitempty"`

	// error, hello-error
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`

	// invoke
	Command string          `json:"command,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// DeviceProof proves possession of the device key by signing the gateway's challenge.
type DeviceProof struct {
	ID        string `json:"id"`
	PublicKey string `json:"publicKey"`
	Signature string `json:"signature"`
	SignedAt  int64  `json:"signedAt"`
	Nonce     string `json:"nonce"`
}

// HelloFrame announces the node and its capabilities.
type HelloFrame struct {
	Type        string                 `json:"type"`
	ID          string                 `json:"id"`
	Protocol    string                 `json:"protocol"`
	Client      map[string]interface{} `json:"client"`
	Caps        []string               `json:"caps"`
	Commands    []string               `json:"commands"`
	Permissions map[string]bool        `json:"permissions"`
	Token       string                 `json:"token,omitempty"`
	Device      *DeviceProof           `json:"device,omitempty"`
}

// PingFrame is sent by the heartbeat and answered with a pong carrying the same id.
type PingFrame struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// EventFrame forwards a bridge event to the gateway.
type EventFrame struct {
	Type    string      `json:"type"`
	Event   string      `json:"event"`
	Payload interface{} `json:"payload,omitempty"`
}

func (f *Frame) invokeRequest() *dispatcher.InvokeRequest {
	return &dispatcher.InvokeRequest{ID: f.ID, Type: f.Type, Command: f.Command, Params: f.Params}
}
