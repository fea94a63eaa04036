// Package capability implements the per-namespace command handlers the
// dispatcher routes to.
package capability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/morezero/hostbridge/pkg/dispatcher"
	"github.com/morezero/hostbridge/pkg/permission"
	"github.com/morezero/hostbridge/pkg/platform"
)

const logPrefix = "capability:namespace"

// command is one entry of a namespace table.
type command struct {
	// schema is a JSON schema for params; empty accepts anything.
	schema string
	run    func(ctx context.Context, p dispatcher.Params) (interface{}, error)
}

// namespace is the shared Handler for every capability. It rejects unknown
// commands, consults the permission gate, validates params and maps service
// errors onto response codes before and after calling the command.
type namespace struct {
	name     string
	gate     permission.Gate
	commands map[string]command
	schemas  map[string]*gojsonschema.Schema
}

func newNamespace(name string, gate permission.Gate, commands map[string]command) (*namespace, error) {
	n := &namespace{
		name:     name,
		gate:     gate,
		commands: commands,
		schemas:  make(map[string]*gojsonschema.Schema),
	}
	for cmd, c := range commands {
		if !strings.HasPrefix(cmd, name+".") {
			return nil, fmt.Errorf("%s - command %s does not belong to namespace %s", logPrefix, cmd, name)
		}
		if c.schema == "" {
			continue
		}
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(c.schema))
		if err != nil {
			return nil, fmt.Errorf("%s - invalid schema for %s: %w", logPrefix, cmd, err)
		}
		n.schemas[cmd] = schema
	}
	return n, nil
}

// Prefix is the routing prefix for this namespace.
func (n *namespace) Prefix() string { return n.name + "." }

// Commands implements dispatcher.Describer.
func (n *namespace) Commands() []string {
	out := make([]string, 0, len(n.commands))
	for cmd := range n.commands {
		out = append(out, cmd)
	}
	sort.Strings(out)
	return out
}

// Execute implements dispatcher.Handler.
func (n *namespace) Execute(ctx context.Context, cmd string, params dispatcher.Params) (interface{}, error) {
	c, ok := n.commands[cmd]
	if !ok {
		return nil, dispatcher.UnknownCommand(cmd)
	}
	if n.gate != nil && !n.gate.IsGranted(n.name) {
		return nil, dispatcher.PermissionDenied(n.name)
	}
	if schema, ok := n.schemas[cmd]; ok {
		if cerr := validateParams(schema, params); cerr != nil {
			return nil, cerr
		}
	}
	out, err := c.run(ctx, params)
	if err != nil {
		return nil, mapServiceError(n.name, err)
	}
	return out, nil
}

// validateParams checks params against schema and names the first offending key.
func validateParams(schema *gojsonschema.Schema, params dispatcher.Params) *dispatcher.CommandError {
	doc, err := json.Marshal(params)
	if err != nil {
		return dispatcher.InvalidParams("params are not serializable: %v", err)
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return dispatcher.InvalidParams("params could not be validated: %v", err)
	}
	if result.Valid() {
		return nil
	}

	errs := result.Errors()
	sort.SliceStable(errs, func(i, j int) bool { return errs[i].Field() < errs[j].Field() })
	first := errs[0]
	if first.Type() == "required" {
		if prop, ok := first.Details()["property"].(string); ok {
			key := prop
			if f := first.Field(); f != "(root)" {
				key = f + "." + prop
			}
			return dispatcher.InvalidParams("missing required parameter: %s", key)
		}
	}
	return dispatcher.InvalidParams("parameter %s: %s", first.Field(), first.Description())
}

// mapServiceError translates platform and OS errors into response codes.
// Errors that are already CommandErrors pass through; anything unrecognized
// is returned as is and becomes INTERNAL_ERROR at the dispatcher.
func mapServiceError(service string, err error) error {
	var cerr *dispatcher.CommandError
	switch {
	case errors.As(err, &cerr):
		return cerr
	case errors.Is(err, platform.ErrUnavailable):
		return dispatcher.Errorf(dispatcher.CodeUnavailable, "%s is not available on this host: %v", service, err)
	case errors.Is(err, platform.ErrPermissionDenied), errors.Is(err, os.ErrPermission):
		return dispatcher.Errorf(dispatcher.CodePermissionDenied, "%v", err)
	case errors.Is(err, platform.ErrNotFound), errors.Is(err, os.ErrNotExist):
		return dispatcher.Errorf(dispatcher.CodeNotFound, "%v", err)
	case errors.Is(err, platform.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return dispatcher.Errorf(dispatcher.CodeTimeout, "%s timed out", service)
	}
	return err
}
