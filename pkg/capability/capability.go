package capability

import (
	"fmt"
	"time"

	"github.com/morezero/hostbridge/pkg/bootstrap"
	"github.com/morezero/hostbridge/pkg/clock"
	"github.com/morezero/hostbridge/pkg/dispatcher"
	"github.com/morezero/hostbridge/pkg/events"
	"github.com/morezero/hostbridge/pkg/permission"
	"github.com/morezero/hostbridge/pkg/platform"
	"github.com/morezero/hostbridge/pkg/resource"
)

const buildLogPrefix = "capability:capability"

// Defaults used when Options leaves a field zero.
const (
	DefaultShellTimeout    = 30 * time.Second
	DefaultShellMaxOutput  = 1 << 20
	DefaultCaptureTimeout  = 30 * time.Second
	DefaultLocationTimeout = 15 * time.Second
	MaxAudioDuration       = 5 * time.Minute
)

// Options carries everything the handlers depend on. It is built once by the
// composition root.
type Options struct {
	Gate     permission.Gate
	Store    *resource.Store
	Services platform.Services
	Events   events.EventPublisher
	Clock    clock.Clock
	Profile  *bootstrap.NodeProfile
	DeviceID string
	// PublicURL is the base of resource fetch URLs, e.g. http://127.0.0.1:18790.
	PublicURL string

	ShellEnabled        bool
	ShellMaxOutput      int
	ShellDefaultTimeout time.Duration
	CaptureTimeout      time.Duration
	LocationTimeout     time.Duration
}

func (o *Options) applyDefaults() {
	if o.Gate == nil {
		o.Gate = permission.AllowAll()
	}
	if o.Events == nil {
		o.Events = &events.NoOpPublisher{}
	}
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	if o.Profile == nil {
		o.Profile = bootstrap.GetDefaultProfile()
	}
	if o.ShellMaxOutput <= 0 {
		o.ShellMaxOutput = DefaultShellMaxOutput
	}
	if o.ShellDefaultTimeout <= 0 {
		o.ShellDefaultTimeout = DefaultShellTimeout
	}
	if o.CaptureTimeout <= 0 {
		o.CaptureTimeout = DefaultCaptureTimeout
	}
	if o.LocationTimeout <= 0 {
		o.LocationTimeout = DefaultLocationTimeout
	}
}

// Routes builds the ordered route table for every namespace. lister is used
// by system.commands and may be nil.
func Routes(opts Options, lister Lister) ([]dispatcher.Route, error) {
	opts.applyDefaults()
	if opts.Store == nil {
		return nil, fmt.Errorf("%s - a resource store is required", buildLogPrefix)
	}

	h := &handoff{store: opts.Store, publicURL: opts.PublicURL, events: opts.Events}
	builders := []func() (*namespace, error){
		func() (*namespace, error) { return newFileNamespace(opts.Gate) },
		func() (*namespace, error) {
			return newShellNamespace(opts.Gate, shellConfig{
				enabled:        opts.ShellEnabled,
				maxOutput:      opts.ShellMaxOutput,
				defaultTimeout: opts.ShellDefaultTimeout,
			})
		},
		func() (*namespace, error) { return newSystemNamespace(&opts, lister) },
		func() (*namespace, error) { return newScreenNamespace(opts.Gate, opts.Services.Screen, h, opts.CaptureTimeout) },
		func() (*namespace, error) { return newCameraNamespace(opts.Gate, opts.Services.Camera, h, opts.CaptureTimeout) },
		func() (*namespace, error) { return newAudioNamespace(opts.Gate, opts.Services.Audio, h) },
		func() (*namespace, error) {
			return newLocationNamespace(opts.Gate, opts.Services.Location, opts.Clock, opts.LocationTimeout)
		},
		func() (*namespace, error) { return newNotificationNamespace(opts.Gate, opts.Services.Notifier) },
		func() (*namespace, error) { return newCalendarNamespace(opts.Gate, opts.Services.Calendar) },
		func() (*namespace, error) { return newContactsNamespace(opts.Gate, opts.Services.Contacts) },
		func() (*namespace, error) { return newRemindersNamespace(opts.Gate, opts.Services.Reminders) },
		func() (*namespace, error) { return newUINamespace(opts.Gate, opts.Services.UI) },
	}

	routes := make([]dispatcher.Route, 0, len(builders))
	for _, build := range builders {
		ns, err := build()
		if err != nil {
			return nil, err
		}
		routes = append(routes, dispatcher.Route{Prefix: ns.Prefix(), Handler: ns})
	}
	return routes, nil
}

// Lister reports the routed commands and capabilities; *dispatcher.Dispatcher satisfies it.
type Lister interface {
	Commands() []string
	Capabilities() []string
}

// lateLister lets system.commands see the dispatcher that contains it.
type lateLister struct {
	d *dispatcher.Dispatcher
}

func (l *lateLister) Commands() []string     { return l.d.Commands() }
func (l *lateLister) Capabilities() []string { return l.d.Capabilities() }

// NewDispatcher builds the full route table and the dispatcher that serves it.
func NewDispatcher(opts Options, dopts ...dispatcher.Option) (*dispatcher.Dispatcher, error) {
	lister := &lateLister{}
	routes, err := Routes(opts, lister)
	if err != nil {
		return nil, err
	}
	d, err := dispatcher.NewDispatcher(routes, dopts...)
	if err != nil {
		return nil, err
	}
	lister.d = d
	return d, nil
}
