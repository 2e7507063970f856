package sse

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jxucoder/intake/model"
)

// ParseEvent maps a record to a typed event. Unknown type tags yield
// ErrUnknownEvent; payloads of the wrong shape yield a *DecodeError.
func ParseEvent(rec Record) (model.Event, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(rec.Data, &envelope); err != nil {
		return nil, &DecodeError{Payload: string(rec.Data), Err: err}
	}

	switch envelope.Type {
	case model.EventProgress:
		var ev model.ProgressEvent
		if err := json.Unmarshal(rec.Data, &ev); err != nil {
			return nil, &DecodeError{Payload: string(rec.Data), Err: err}
		}
		if ev.Current < 0 || ev.Total < 0 {
			return nil, &DecodeError{Payload: string(rec.Data), Err: errors.New("negative progress counter")}
		}
		return ev, nil

	case model.EventComplete:
		var ev model.CompleteEvent
		if err := json.Unmarshal(rec.Data, &ev); err != nil {
			return nil, &DecodeError{Payload: string(rec.Data), Err: err}
		}
		if ev.Results == nil {
			ev.Results = map[string]json.RawMessage{}
		}
		return ev, nil

	case model.EventError:
		var ev model.ErrorEvent
		if err := json.Unmarshal(rec.Data, &ev); err != nil {
			return nil, &DecodeError{Payload: string(rec.Data), Err: err}
		}
		if ev.Message == "" {
			ev.Message = "analysis failed"
		}
		return ev, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, envelope.Type)
	}
}

// Encode renders ev as one wire record, including the terminator.
func Encode(ev model.Event) ([]byte, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encoding %s event: %w", ev.Type(), err)
	}
	// Splice the type tag in front of the event's own fields.
	tagged := fmt.Appendf(nil, `{"type":%q`, ev.Type())
	if len(body) > 2 {
		tagged = append(tagged, ',')
		tagged = append(tagged, body[1:]...)
	} else {
		tagged = append(tagged, '}')
	}

	out := make([]byte, 0, len(DataPrefix)+len(tagged)+len(terminator))
	out = append(out, DataPrefix...)
	out = append(out, tagged...)
	out = append(out, terminator...)
	return out, nil
}
