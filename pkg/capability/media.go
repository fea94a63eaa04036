package capability

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/morezero/hostbridge/pkg/dispatcher"
	"github.com/morezero/hostbridge/pkg/events"
	"github.com/morezero/hostbridge/pkg/permission"
	"github.com/morezero/hostbridge/pkg/platform"
	"github.com/morezero/hostbridge/pkg/resource"
)

const mediaLogPrefix = "capability:media"

// handoff moves captured bytes into the resource store and builds the
// reference payload returned in place of the bytes.
type handoff struct {
	store     *resource.Store
	publicURL string
	events    events.EventPublisher
}

// ResourceURL is where a stored resource can be fetched.
func ResourceURL(publicURL, id string) string {
	return strings.TrimRight(publicURL, "/") + "/resources/" + id
}

func (h *handoff) publish(ctx context.Context, cmd string, m *platform.Media) (map[string]interface{}, error) {
	entry, err := h.store.Put(m.Data, m.MimeType)
	if err != nil {
		return nil, fmt.Errorf("%s - store %s output: %w", mediaLogPrefix, cmd, err)
	}

	payload := map[string]interface{}{
		"resourceId": entry.ID,
		"url":        ResourceURL(h.publicURL, entry.ID),
		"mimeType":   entry.MimeType,
		"size":       entry.Size,
		"expiresAt":  entry.ExpiresAt.UTC().Format(time.RFC3339),
	}
	if m.Width > 0 && m.Height > 0 {
		payload["width"] = m.Width
		payload["height"] = m.Height
	}
	if m.DurationMs > 0 {
		payload["durationMs"] = m.DurationMs
	}

	err = h.events.PublishResourceCreated(ctx, &events.ResourceCreatedEvent{
		ResourceID: entry.ID,
		Command:    cmd,
		MimeType:   entry.MimeType,
		Size:       entry.Size,
		ExpiresAt:  entry.ExpiresAt.UTC().Format(time.RFC3339),
		Timestamp:  entry.CreatedAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - failed to publish resource event: %v", mediaLogPrefix, err))
	}
	return payload, nil
}

const imageFormatSchema = `{"enum": ["png", "jpeg", "jpg"]}`

func newScreenNamespace(gate permission.Gate, svc platform.ScreenCapturer, h *handoff, timeout time.Duration) (*namespace, error) {
	return newNamespace("screen", gate, map[string]command{
		"screen.capture": {schema: `{
			"type": "object",
			"properties": {
				"format": ` + imageFormatSchema + `,
				"displayId": {"type": "integer", "minimum": 0}
			}
		}`, run: func(ctx context.Context, p dispatcher.Params) (interface{}, error) {
			if svc == nil {
				return nil, dispatcher.Unavailable("screen capture")
			}
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			media, err := svc.Capture(ctx, platform.ScreenRequest{
				Format:    p.StringOr("format", "png"),
				DisplayID: int(p.IntOr("displayId", 0)),
			})
			if err != nil {
				return nil, err
			}
			return h.publish(ctx, "screen.capture", media)
		}},
	})
}

func newCameraNamespace(gate permission.Gate, svc platform.Camera, h *handoff, timeout time.Duration) (*namespace, error) {
	return newNamespace("camera", gate, map[string]command{
		"camera.list": {run: func(ctx context.Context, _ dispatcher.Params) (interface{}, error) {
			if svc == nil {
				return nil, dispatcher.Unavailable("camera")
			}
			devices, err := svc.Devices(ctx)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"devices": devices, "count": len(devices)}, nil
		}},
		"camera.snap": {schema: `{
			"type": "object",
			"properties": {
				"deviceId": {"type": "string"},
				"facing": {"enum": ["front", "back"]},
				"format": ` + imageFormatSchema + `
			}
		}`, run: func(ctx context.Context, p dispatcher.Params) (interface{}, error) {
			if svc == nil {
				return nil, dispatcher.Unavailable("camera")
			}
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			media, err := svc.Snap(ctx, platform.SnapRequest{
				DeviceID: p.StringOr("deviceId", ""),
				Facing:   p.StringOr("facing", ""),
				Format:   p.StringOr("format", "jpeg"),
			})
			if err != nil {
				return nil, err
			}
			return h.publish(ctx, "camera.snap", media)
		}},
	})
}

// audioRecorder allows one recording at a time; a second request fails with BUSY.
type audioRecorder struct {
	mu  sync.Mutex
	svc platform.AudioRecorder
	h   *handoff
}

func newAudioNamespace(gate permission.Gate, svc platform.AudioRecorder, h *handoff) (*namespace, error) {
	a := &audioRecorder{svc: svc, h: h}
	return newNamespace("audio", gate, map[string]command{
		"audio.record": {schema: fmt.Sprintf(`{
			"type": "object",
			"required": ["durationMs"],
			"properties": {
				"durationMs": {"type": "integer", "minimum": 100, "maximum": %d},
				"format": {"enum": ["wav", "m4a", "aac", "mp3"]}
			}
		}`, MaxAudioDuration.Milliseconds()), run: a.record},
	})
}

func (a *audioRecorder) record(ctx context.Context, p dispatcher.Params) (interface{}, error) {
	if a.svc == nil {
		return nil, dispatcher.Unavailable("audio recording")
	}
	if !a.mu.TryLock() {
		return nil, dispatcher.Errorf(dispatcher.CodeBusy, "a recording is already in progress")
	}
	defer a.mu.Unlock()

	ms, cerr := p.RequireInt("durationMs")
	if cerr != nil {
		return nil, cerr
	}
	duration := time.Duration(ms) * time.Millisecond

	ctx, cancel := context.WithTimeout(ctx, duration+10*time.Second)
	defer cancel()
	media, err := a.svc.Record(ctx, platform.AudioRequest{Duration: duration, Format: p.StringOr("format", "wav")})
	if err != nil {
		return nil, err
	}
	return a.h.publish(ctx, "audio.record", media)
}
