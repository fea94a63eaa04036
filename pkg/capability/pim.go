package capability

import (
	"context"
	"time"

	"github.com/morezero/hostbridge/pkg/dispatcher"
	"github.com/morezero/hostbridge/pkg/permission"
	"github.com/morezero/hostbridge/pkg/platform"
)

func timeParam(p dispatcher.Params, key string) (time.Time, *dispatcher.CommandError) {
	raw, cerr := p.RequireString(key)
	if cerr != nil {
		return time.Time{}, cerr
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, dispatcher.InvalidParams("parameter %s must be an RFC3339 timestamp", key)
	}
	return t, nil
}

func rangeParams(p dispatcher.Params) (time.Time, time.Time, *dispatcher.CommandError) {
	start, cerr := timeParam(p, "start")
	if cerr != nil {
		return start, start, cerr
	}
	end, cerr := timeParam(p, "end")
	if cerr != nil {
		return start, end, cerr
	}
	if end.Before(start) {
		return start, end, dispatcher.InvalidParams("parameter end must not be before start")
	}
	return start, end, nil
}

func newNotificationNamespace(gate permission.Gate, svc platform.Notifier) (*namespace, error) {
	return newNamespace("notification", gate, map[string]command{
		"notification.send": {schema: `{
			"type": "object",
			"required": ["title"],
			"properties": {
				"title": {"type": "string", "minLength": 1},
				"body": {"type": "string"},
				"sound": {"type": "boolean"}
			}
		}`, run: func(ctx context.Context, p dispatcher.Params) (interface{}, error) {
			if svc == nil {
				return nil, dispatcher.Unavailable("notifications")
			}
			err := svc.Notify(ctx, platform.Notification{
				Title: p.StringOr("title", ""),
				Body:  p.StringOr("body", ""),
				Sound: p.BoolOr("sound", false),
			})
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"sent": true}, nil
		}},
	})
}

func newCalendarNamespace(gate permission.Gate, svc platform.Calendar) (*namespace, error) {
	const rangeSchema = `{
		"type": "object",
		"required": ["start", "end"],
		"properties": {"start": {"type": "string"}, "end": {"type": "string"}}
	}`
	return newNamespace("calendar", gate, map[string]command{
		"calendar.list": {schema: rangeSchema, run: func(ctx context.Context, p dispatcher.Params) (interface{}, error) {
			if svc == nil {
				return nil, dispatcher.Unavailable("calendar")
			}
			start, end, cerr := rangeParams(p)
			if cerr != nil {
				return nil, cerr
			}
			evs, err := svc.Events(ctx, start, end)
			if err != nil {
				return nil, err
			}
			if evs == nil {
				evs = []platform.Event{}
			}
			return map[string]interface{}{"events": evs, "count": len(evs)}, nil
		}},
		"calendar.create": {schema: `{
			"type": "object",
			"required": ["title", "start", "end"],
			"properties": {
				"title": {"type": "string", "minLength": 1},
				"start": {"type": "string"},
				"end": {"type": "string"},
				"location": {"type": "string"},
				"notes": {"type": "string"}
			}
		}`, run: func(ctx context.Context, p dispatcher.Params) (interface{}, error) {
			if svc == nil {
				return nil, dispatcher.Unavailable("calendar")
			}
			start, end, cerr := rangeParams(p)
			if cerr != nil {
				return nil, cerr
			}
			ev, err := svc.CreateEvent(ctx, platform.Event{
				Title:    p.StringOr("title", ""),
				Start:    start,
				End:      end,
				Location: p.StringOr("location", ""),
				Notes:    p.StringOr("notes", ""),
			})
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"event": ev}, nil
		}},
	})
}

func newContactsNamespace(gate permission.Gate, svc platform.Contacts) (*namespace, error) {
	return newNamespace("contacts", gate, map[string]command{
		"contacts.search": {schema: `{
			"type": "object",
			"required": ["query"],
			"properties": {
				"query": {"type": "string", "minLength": 1},
				"limit": {"type": "integer", "minimum": 1, "maximum": 500}
			}
		}`, run: func(ctx context.Context, p dispatcher.Params) (interface{}, error) {
			if svc == nil {
				return nil, dispatcher.Unavailable("contacts")
			}
			found, err := svc.Search(ctx, p.StringOr("query", ""), int(p.IntOr("limit", 25)))
			if err != nil {
				return nil, err
			}
			if found == nil {
				found = []platform.Contact{}
			}
			return map[string]interface{}{"contacts": found, "count": len(found)}, nil
		}},
	})
}

func newRemindersNamespace(gate permission.Gate, svc platform.Reminders) (*namespace, error) {
	return newNamespace("reminders", gate, map[string]command{
		"reminders.list": {schema: `{
			"type": "object",
			"properties": {"includeCompleted": {"type": "boolean"}}
		}`, run: func(ctx context.Context, p dispatcher.Params) (interface{}, error) {
			if svc == nil {
				return nil, dispatcher.Unavailable("reminders")
			}
			items, err := svc.List(ctx, p.BoolOr("includeCompleted", false))
			if err != nil {
				return nil, err
			}
			if items == nil {
				items = []platform.Reminder{}
			}
			return map[string]interface{}{"reminders": items, "count": len(items)}, nil
		}},
		"reminders.create": {schema: `{
			"type": "object",
			"required": ["title"],
			"properties": {
				"title": {"type": "string", "minLength": 1},
				"due": {"type": "string"},
				"notes": {"type": "string"}
			}
		}`, run: func(ctx context.Context, p dispatcher.Params) (interface{}, error) {
			if svc == nil {
				return nil, dispatcher.Unavailable("reminders")
			}
			r := platform.Reminder{Title: p.StringOr("title", ""), Notes: p.StringOr("notes", "")}
			if p.Has("due") {
				due, cerr := timeParam(p, "due")
				if cerr != nil {
					return nil, cerr
				}
				r.Due = &due
			}
			created, err := svc.CreateReminder(ctx, r)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"reminder": created}, nil
		}},
	})
}

func newUINamespace(gate permission.Gate, svc platform.UIAutomation) (*namespace, error) {
	unavailable := func() error { return dispatcher.Unavailable("UI automation") }
	return newNamespace("ui", gate, map[string]command{
		"ui.click": {schema: `{
			"type": "object",
			"required": ["x", "y"],
			"properties": {
				"x": {"type": "number"},
				"y": {"type": "number"},
				"button": {"enum": ["left", "right", "middle"]}
			}
		}`, run: func(ctx context.Context, p dispatcher.Params) (interface{}, error) {
			if svc == nil {
				return nil, unavailable()
			}
			x, _ := p.Float("x")
			y, _ := p.Float("y")
			if err := svc.Click(ctx, x, y, p.StringOr("button", "left")); err != nil {
				return nil, err
			}
			return map[string]interface{}{"clicked": true, "x": x, "y": y}, nil
		}},
		"ui.type": {schema: `{
			"type": "object",
			"required": ["text"],
			"properties": {"text": {"type": "string"}}
		}`, run: func(ctx context.Context, p dispatcher.Params) (interface{}, error) {
			if svc == nil {
				return nil, unavailable()
			}
			text := p.StringOr("text", "")
			if err := svc.TypeText(ctx, text); err != nil {
				return nil, err
			}
			return map[string]interface{}{"typed": len([]rune(text))}, nil
		}},
		"ui.key": {schema: `{
			"type": "object",
			"required": ["key"],
			"properties": {
				"key": {"type": "string", "minLength": 1},
				"modifiers": {"type": "array", "items": {"enum": ["cmd", "ctrl", "alt", "shift", "fn"]}}
			}
		}`, run: func(ctx context.Context, p dispatcher.Params) (interface{}, error) {
			if svc == nil {
				return nil, unavailable()
			}
			mods, _ := p.StringSlice("modifiers")
			if err := svc.Key(ctx, p.StringOr("key", ""), mods); err != nil {
				return nil, err
			}
			return map[string]interface{}{"pressed": true}, nil
		}},
	})
}
