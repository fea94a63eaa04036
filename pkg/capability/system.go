package capability

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/morezero/hostbridge/pkg/dispatcher"
	"github.com/morezero/hostbridge/pkg/permission"
)

func newSystemNamespace(opts *Options, lister Lister) (*namespace, error) {
	started := opts.Clock.Now()
	return newNamespace("system", nil, map[string]command{
		"system.info": {run: func(context.Context, dispatcher.Params) (interface{}, error) {
			host, _ := os.Hostname()
			return map[string]interface{}{
				"hostname":  host,
				"os":        runtime.GOOS,
				"arch":      runtime.GOARCH,
				"cpus":      runtime.NumCPU(),
				"pid":       os.Getpid(),
				"goVersion": runtime.Version(),
				"uptimeMs":  opts.Clock.Now().Sub(started).Milliseconds(),
				"deviceId":  opts.DeviceID,
				"node":      opts.Profile.ClientInfo(),
			}, nil
		}},
		"system.ping": {run: func(context.Context, dispatcher.Params) (interface{}, error) {
			return map[string]interface{}{
				"pong": true,
				"time": opts.Clock.Now().UTC().Format(time.RFC3339Nano),
			}, nil
		}},
		"system.commands": {run: func(context.Context, dispatcher.Params) (interface{}, error) {
			if lister == nil {
				return map[string]interface{}{"commands": []string{}, "capabilities": []string{}}, nil
			}
			return map[string]interface{}{
				"commands":     lister.Commands(),
				"capabilities": lister.Capabilities(),
			}, nil
		}},
		"system.permissions": {run: func(context.Context, dispatcher.Params) (interface{}, error) {
			caps := []string{"file", "shell"}
			available := opts.Services.Available()
			for name := range available {
				caps = append(caps, name)
			}
			return map[string]interface{}{
				"permissions":  permission.Report(opts.Gate, caps),
				"available":    available,
				"shellEnabled": opts.ShellEnabled,
			}, nil
		}},
	})
}
