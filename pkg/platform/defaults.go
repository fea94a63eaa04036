package platform

import (
	"fmt"
	"log/slog"
	"runtime"
)

const defaultsLogPrefix = "platform:defaults"

// Commands holds the command templates for the command-backed services. An
// empty template leaves that service unavailable.
type Commands struct {
	Screen string
	Camera string
	Audio  string
	Notify string
}

// DefaultCommands returns the built-in templates for goos.
func DefaultCommands(goos string) Commands {
	switch goos {
	case "darwin":
		return Commands{
			Screen: "screencapture -x -t {format} {output}",
		}
	case "linux":
		return Commands{
			Notify: "notify-send {title} {body}",
		}
	}
	return Commands{}
}

// FromCommands builds the command-backed services. Templates left empty fall
// back to DefaultCommands for the running OS. Services without a command
// remain nil. Notifications on darwin use osascript when no template is set.
func FromCommands(cmds Commands) (Services, error) {
	defaults := DefaultCommands(runtime.GOOS)
	pick := func(configured, fallback string) string {
		if configured != "" {
			return configured
		}
		return fallback
	}

	var svc Services
	screen, err := ParseTemplate(pick(cmds.Screen, defaults.Screen))
	if err != nil {
		return svc, err
	}
	camera, err := ParseTemplate(pick(cmds.Camera, defaults.Camera))
	if err != nil {
		return svc, err
	}
	audio, err := ParseTemplate(pick(cmds.Audio, defaults.Audio))
	if err != nil {
		return svc, err
	}
	notify, err := ParseTemplate(pick(cmds.Notify, defaults.Notify))
	if err != nil {
		return svc, err
	}

	if !screen.Empty() {
		svc.Screen = &CommandScreen{Template: screen}
	}
	if !camera.Empty() {
		svc.Camera = &CommandCamera{Template: camera}
	}
	if !audio.Empty() {
		svc.Audio = &CommandAudio{Template: audio}
	}
	switch {
	case !notify.Empty():
		svc.Notifier = &CommandNotifier{Template: notify}
	case runtime.GOOS == "darwin":
		svc.Notifier = AppleScriptNotifier{}
	}

	for name, ok := range svc.Available() {
		if ok {
			slog.Debug(fmt.Sprintf("%s - %s service enabled", defaultsLogPrefix, name))
		}
	}
	return svc, nil
}
