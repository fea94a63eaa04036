// Package platform declares the host services capability handlers call into,
// and ships command-backed implementations for the ones a generic host can provide.
package platform

import (
	"context"
	"errors"
	"time"
)

// Service errors. Handlers map these onto response codes.
var (
	ErrUnavailable      = errors.New("service unavailable")
	ErrPermissionDenied = errors.New("permission denied by the platform")
	ErrNotFound         = errors.New("not found")
	ErrTimeout          = errors.New("operation timed out")
)

// Media is a captured binary artifact.
type Media struct {
	Data       []byte
	MimeType   string
	Width      int
	Height     int
	DurationMs int64
}

// ScreenRequest selects what to capture.
type ScreenRequest struct {
	Format    string
	DisplayID int
}

// ScreenCapturer grabs the screen.
type ScreenCapturer interface {
	Capture(ctx context.Context, req ScreenRequest) (*Media, error)
}

// CameraDevice is one attached camera.
type CameraDevice struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Facing string `json:"facing,omitempty"`
}

// SnapRequest selects a camera and output format.
type SnapRequest struct {
	DeviceID string
	Facing   string
	Format   string
}

// Camera lists devices and takes photos.
type Camera interface {
	Devices(ctx context.Context) ([]CameraDevice, error)
	Snap(ctx context.Context, req SnapRequest) (*Media, error)
}

// AudioRequest describes a recording.
type AudioRequest struct {
	Duration time.Duration
	Format   string
}

// AudioRecorder records from the default input.
type AudioRecorder interface {
	Record(ctx context.Context, req AudioRequest) (*Media, error)
}

// Notification is a user-visible alert.
type Notification struct {
	Title string
	Body  string
	Sound bool
}

// Notifier posts notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Location is a position fix.
type Location struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Altitude  float64   `json:"altitude,omitempty"`
	Accuracy  float64   `json:"accuracy"`
	Timestamp time.Time `json:"timestamp"`
}

// LocationProvider follows the delegate style of platform location APIs:
// Request starts a fix and reports through callback, possibly more than once.
// The returned function cancels the request.
type LocationProvider interface {
	Request(accuracy string, callback func(Location, error)) (cancel func())
}

// Event is a calendar entry.
type Event struct {
	ID       string    `json:"id,omitempty"`
	Title    string    `json:"title"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Location string    `json:"location,omitempty"`
	Notes    string    `json:"notes,omitempty"`
	Calendar string    `json:"calendar,omitempty"`
}

// Calendar reads and writes calendar events.
type Calendar interface {
	Events(ctx context.Context, start, end time.Time) ([]Event, error)
	CreateEvent(ctx context.Context, e Event) (Event, error)
}

// Contact is an address book entry.
type Contact struct {
	ID     string   `json:"id"`
	Name   string   `json:"name"`
	Emails []string `json:"emails,omitempty"`
	Phones []string `json:"phones,omitempty"`
}

// Contacts searches the address book.
type Contacts interface {
	Search(ctx context.Context, query string, limit int) ([]Contact, error)
}

// Reminder is a task entry.
type Reminder struct {
	ID        string     `json:"id,omitempty"`
	Title     string     `json:"title"`
	Due       *time.Time `json:"due,omitempty"`
	Notes     string     `json:"notes,omitempty"`
	Completed bool       `json:"completed"`
}

// Reminders reads and writes reminders.
type Reminders interface {
	List(ctx context.Context, includeCompleted bool) ([]Reminder, error)
	CreateReminder(ctx context.Context, r Reminder) (Reminder, error)
}

// UIAutomation drives keyboard and pointer input.
type UIAutomation interface {
	Click(ctx context.Context, x, y float64, button string) error
	TypeText(ctx context.Context, text string) error
	Key(ctx context.Context, key string, modifiers []string) error
}

// Services bundles every host service. Nil fields are unavailable on this host.
type Services struct {
	Screen    ScreenCapturer
	Camera    Camera
	Audio     AudioRecorder
	Notifier  Notifier
	Location  LocationProvider
	Calendar  Calendar
	Contacts  Contacts
	Reminders Reminders
	UI        UIAutomation
}

// Available lists which services are present, keyed by capability name.
func (s Services) Available() map[string]bool {
	return map[string]bool{
		"screen":       s.Screen != nil,
		"camera":       s.Camera != nil,
		"audio":        s.Audio != nil,
		"notification": s.Notifier != nil,
		"location":     s.Location != nil,
		"calendar":     s.Calendar != nil,
		"contacts":     s.Contacts != nil,
		"reminders":    s.Reminders != nil,
		"ui":           s.UI != nil,
	}
}
