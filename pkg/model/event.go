package model

import (
	"encoding/json"
	"fmt"
	"math"
)

// Reserved event fields. Everything else in a persisted event is payload.
const (
	EventFieldID   = "id"
	EventFieldName = "event"
	EventFieldTTL  = "ttl"
)

// Event is one published fact. On the wire and in the store it is flat:
// {id, event, ttl, ...payload}.
type Event struct {
	ID      string
	Name    string
	TTL     *int64
	Payload map[string]interface{}
}

// Fields flattens the event into a single field map.
// Payload keys that collide with reserved fields are overwritten.
func (e Event) Fields() map[string]interface{} {
	out := make(map[string]interface{}, len(e.Payload)+3)
	for k, v := range e.Payload {
		out[k] = v
	}
	out[EventFieldID] = e.ID
	out[EventFieldName] = e.Name
	if e.TTL != nil {
		out[EventFieldTTL] = *e.TTL
	} else {
		delete(out, EventFieldTTL)
	}
	return out
}

// EventFromFields rebuilds an Event from a flat field map.
func EventFromFields(fields map[string]interface{}) (Event, error) {
	var evt Event
	name, ok := fields[EventFieldName].(string)
	if !ok || name == "" {
		return evt, fmt.Errorf("%w: event name missing", ErrInvalidArgument)
	}
	evt.Name = name
	if id, ok := fields[EventFieldID].(string); ok {
		evt.ID = id
	}
	if raw, present := fields[EventFieldTTL]; present && raw != nil {
		ttl, ok := Int64Value(raw)
		if !ok {
			return evt, fmt.Errorf("%w: ttl has type %T", ErrInvalidArgument, raw)
		}
		evt.TTL = &ttl
	}
	evt.Payload = make(map[string]interface{}, len(fields))
	for k, v := range fields {
		switch k {
		case EventFieldID, EventFieldName, EventFieldTTL:
			continue
		}
		evt.Payload[k] = v
	}
	return evt, nil
}

func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.Fields())
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var fields map[string]interface{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	evt, err := EventFromFields(fields)
	if err != nil {
		return err
	}
	*e = evt
	return nil
}

// Int64Value coerces the numeric representations produced by the various
// decoders (encoding/json, bson, cbor) into an int64.
func Int64Value(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint32:
		return int64(n), true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case float32:
		return int64(n), true
	case float64:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}
