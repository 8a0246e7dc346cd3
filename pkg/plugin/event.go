package plugin

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"
)

// Event is the unit of data flowing through the plugin pipeline.
type Event struct {
	UUID       string         `json:"uuid" mapstructure:"uuid"`
	DistinctID string         `json:"distinct_id" mapstructure:"distinct_id"`
	IP         string         `json:"ip,omitempty" mapstructure:"ip"`
	SiteURL    string         `json:"site_url,omitempty" mapstructure:"site_url"`
	Now        string         `json:"now,omitempty" mapstructure:"now"`
	Event      string         `json:"event" mapstructure:"event"`
	TeamID     int64          `json:"team_id" mapstructure:"team_id"`
	Timestamp  string         `json:"timestamp,omitempty" mapstructure:"timestamp"`
	Properties map[string]any `json:"properties,omitempty" mapstructure:"properties"`
}

// EnsureUUID assigns a random UUID to events that arrive without one.
func (e *Event) EnsureUUID() {
	if e.UUID == "" {
		e.UUID = uuid.NewString()
	}
}

// Clone returns a deep copy of the event, including nested properties.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	out := *e
	if e.Properties != nil {
		out.Properties = cloneMap(e.Properties)
	}
	return &out
}

// ToMap renders the event with its wire field names.
func (e *Event) ToMap() map[string]any {
	m := map[string]any{
		"uuid":        e.UUID,
		"distinct_id": e.DistinctID,
		"ip":          e.IP,
		"site_url":    e.SiteURL,
		"now":         e.Now,
		"event":       e.Event,
		"team_id":     e.TeamID,
		"timestamp":   e.Timestamp,
	}
	if e.Properties != nil {
		m["properties"] = cloneMap(e.Properties)
	} else {
		m["properties"] = map[string]any{}
	}
	return m
}

// EventFromMap decodes a loosely typed map, as produced by script runtimes, into an Event.
func EventFromMap(m map[string]any) (*Event, error) {
	var ev Event
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &ev,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(m); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	return &ev, nil
}

func cloneMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}
