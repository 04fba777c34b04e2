// Package event validates tracking event payloads. Each event type has
// its own payload shape; unknown types are preserved opaquely so they
// survive export even when they can't be interpreted for replay.
package event

import (
	"encoding/json"
	"fmt"
	"sort"
)

const (
	// a chunk of a continuous mouse trace
	TypeMouse = "mouse"
	// the logical window size changed mid-session; never rewrites the
	// device info snapshot stored on the tracking session
	TypeDeviceInfoUpdate = "device_info_update"
)

type Value interface {
	EventType() string
}

// Frame is one sample of a mouse trace: [kind, ..., t]. The kind tag is
// the first element ("m" move, "c" click, "s"/"S" scroll, "i" input,
// "o" other), the sample time is the last.
type Frame []any

func (f Frame) Kind() string {
	if len(f) == 0 {
		return ""
	}
	kind, _ := f[0].(string)
	return kind
}

func (f Frame) Time() float64 {
	if len(f) == 0 {
		return 0
	}
	t, _ := f[len(f)-1].(float64)
	return t
}

func (f Frame) valid() bool {
	if len(f) < 2 {
		return false
	}
	if kind, ok := f[0].(string); !ok || kind == "" {
		return false
	}
	if _, ok := f[len(f)-1].(float64); !ok {
		return false
	}
	return true
}

// MouseChunk is a partial, time-bounded fragment of a mouse trace. Chunks
// are stored one per event and reassembled in (event time, arrival) order
// at read time.
type MouseChunk struct {
	Frames      []Frame `json:"frames"`
	TimeElapsed float64 `json:"timeElapsed"`
}

func (MouseChunk) EventType() string {
	return TypeMouse
}

type DeviceInfoUpdate struct {
	WindowSize []int64 `json:"window_size"`
}

func (DeviceInfoUpdate) EventType() string {
	return TypeDeviceInfoUpdate
}

// Opaque carries the raw payload of an event type this package doesn't
// know about.
type Opaque struct {
	Type string
	Raw  json.RawMessage
}

func (o Opaque) EventType() string {
	return o.Type
}

// Parse validates `raw` against the payload shape for `eventType`. A
// validation error means the event must be dropped, never stored.
func Parse(eventType string, raw json.RawMessage) (Value, error) {
	switch eventType {
	case TypeMouse:
		var payload struct {
			Frames      *[]Frame `json:"frames"`
			TimeElapsed *float64 `json:"timeElapsed"`
		}
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, fmt.Errorf("mouse chunk is not valid JSON: %w", err)
		}
		if payload.Frames == nil {
			return nil, fmt.Errorf("mouse chunk has no frames array")
		}
		if payload.TimeElapsed == nil {
			return nil, fmt.Errorf("mouse chunk has no timeElapsed")
		}
		for i, frame := range *payload.Frames {
			if !frame.valid() {
				return nil, fmt.Errorf("mouse chunk frame %d is malformed", i)
			}
		}
		return MouseChunk{Frames: *payload.Frames, TimeElapsed: *payload.TimeElapsed}, nil

	case TypeDeviceInfoUpdate:
		var payload struct {
			WindowSize *[]int64 `json:"window_size"`
		}
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, fmt.Errorf("device info update is not valid JSON: %w", err)
		}
		if payload.WindowSize == nil || len(*payload.WindowSize) != 2 {
			return nil, fmt.Errorf("device info update needs a window_size pair")
		}
		return DeviceInfoUpdate{WindowSize: *payload.WindowSize}, nil

	default:
		if len(raw) > 0 && !json.Valid(raw) {
			return nil, fmt.Errorf("event value for type %q is not valid JSON", eventType)
		}
		return Opaque{Type: eventType, Raw: raw}, nil
	}
}

// SortFrames orders frames by their sample time, keeping arrival order
// for equal times.
func SortFrames(frames []Frame) {
	sort.SliceStable(frames, func(i, j int) bool {
		return frames[i].Time() < frames[j].Time()
	})
}

// FilterFrames keeps only frames whose kind tag is in `kinds`.
func FilterFrames(frames []Frame, kinds map[string]bool) []Frame {
	kept := make([]Frame, 0, len(frames))
	for _, frame := range frames {
		if kinds[frame.Kind()] {
			kept = append(kept, frame)
		}
	}
	return kept
}
