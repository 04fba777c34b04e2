// Package replay drives the message-passing protocol that feeds a
// recorded tracking session back into an embedded instance of the
// original application. The controller is a finite-state machine over a
// fixed message vocabulary; it is independent of the transport that
// carries the messages.
package replay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"learntrack/src-server/event"
)

type MsgType string

const (
	MSG_INIT             = MsgType("init")
	MSG_PULL_DATA        = MsgType("pulldata")
	MSG_REPLAY_DATA      = MsgType("replaydata")
	MSG_APP_CONFIG       = MsgType("app_config")
	MSG_CTRL_PLAY        = MsgType("replay_ctrl_play")
	MSG_CTRL_PAUSE       = MsgType("replay_ctrl_pause")
	MSG_CTRL_STOP        = MsgType("replay_ctrl_stop")
	MSG_SET_REPLAY_SPEED = MsgType("set_replay_speed")
	MSG_REPLAY_STOPPED   = MsgType("replay_stopped")
)

type Message struct {
	MsgType MsgType         `json:"msgtype"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type State int

const (
	STATE_UNINITIALIZED = State(iota)
	STATE_AWAITING_CONFIG
	STATE_IDLE
	STATE_PLAYING
	STATE_PAUSED
	STATE_STOPPED
)

func (s State) String() string {
	switch s {
	case STATE_UNINITIALIZED:
		return "uninitialized"
	case STATE_AWAITING_CONFIG:
		return "awaiting_config"
	case STATE_IDLE:
		return "idle"
	case STATE_PLAYING:
		return "playing"
	case STATE_PAUSED:
		return "paused"
	case STATE_STOPPED:
		return "stopped"
	default:
		return "unknown"
	}
}

// Event is one recorded tracking event in (event time, arrival) order.
type Event struct {
	Time  time.Time       `json:"time"`
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

// Store reads the persisted events of the tracking session being replayed.
type Store interface {
	// the application config JSON in effect at record time
	Config(ctx context.Context) (json.RawMessage, error)
	EventCount(ctx context.Context) (int, error)
	// i-th event ordered by event time, arrival order as tie-break
	EventAt(ctx context.Context, i int) (*Event, error)
}

// frame kinds fed back into the embedded application during replay
var replayFrameKinds = map[string]bool{
	"m": true, "c": true, "s": true, "S": true, "i": true, "o": true,
}

// which message types a state accepts; anything else is dropped
var transitions = map[State]map[MsgType]bool{
	STATE_AWAITING_CONFIG: {
		MSG_INIT: true,
	},
	STATE_IDLE: {
		MSG_PULL_DATA:        true,
		MSG_CTRL_PLAY:        true,
		MSG_CTRL_STOP:        true,
		MSG_SET_REPLAY_SPEED: true,
		MSG_REPLAY_STOPPED:   true,
	},
	STATE_PLAYING: {
		MSG_PULL_DATA:        true,
		MSG_CTRL_PAUSE:       true,
		MSG_CTRL_STOP:        true,
		MSG_SET_REPLAY_SPEED: true,
		MSG_REPLAY_STOPPED:   true,
	},
	STATE_PAUSED: {
		MSG_PULL_DATA:        true,
		MSG_CTRL_PLAY:        true,
		MSG_CTRL_STOP:        true,
		MSG_SET_REPLAY_SPEED: true,
		MSG_REPLAY_STOPPED:   true,
	},
}

type Controller struct {
	store         Store
	allowedOrigin string
	state         State
	playing       bool
}

func NewController(store Store, allowedOrigin string) *Controller {
	return &Controller{
		store:         store,
		allowedOrigin: allowedOrigin,
		state:         STATE_UNINITIALIZED,
	}
}

func (c *Controller) State() State {
	return c.state
}

func (c *Controller) Playing() bool {
	return c.playing
}

// Start moves the controller out of the uninitialized state once the
// embed is loaded and the channel is connected.
func (c *Controller) Start() error {
	if c.state != STATE_UNINITIALIZED {
		return fmt.Errorf("can't start replay controller in state %s", c.state)
	}
	c.state = STATE_AWAITING_CONFIG
	return nil
}

// HandleMessage runs one transition. Messages from a foreign origin or
// unexpected for the current state are dropped: no state change, no reply.
// The returned message, if any, is forwarded to the embedded application.
func (c *Controller) HandleMessage(ctx context.Context, origin string, msg Message) (*Message, error) {
	if origin != c.allowedOrigin {
		slog.Warn("replay message from foreign origin ignored",
			"origin", origin, "msgtype", msg.MsgType)
		return nil, nil
	}
	if !transitions[c.state][msg.MsgType] {
		slog.Debug("replay message unexpected for state, ignored",
			"state", c.state.String(), "msgtype", msg.MsgType)
		return nil, nil
	}

	switch msg.MsgType {
	case MSG_INIT:
		config, err := c.store.Config(ctx)
		if err != nil {
			return nil, fmt.Errorf("can't get app config for replay: %w", err)
		}
		c.state = STATE_IDLE
		return &Message{MsgType: MSG_APP_CONFIG, Data: config}, nil

	case MSG_PULL_DATA:
		var pull struct {
			I int `json:"i"`
		}
		if err := json.Unmarshal(msg.Data, &pull); err != nil {
			slog.Warn("malformed pulldata message ignored", "error", err)
			return nil, nil
		}
		return c.pullData(ctx, pull.I)

	case MSG_CTRL_PLAY:
		c.playing = true
		c.state = STATE_PLAYING
		return &msg, nil

	case MSG_CTRL_PAUSE:
		c.playing = false
		c.state = STATE_PAUSED
		return &msg, nil

	case MSG_CTRL_STOP:
		c.playing = false
		c.state = STATE_STOPPED
		return &msg, nil

	case MSG_SET_REPLAY_SPEED:
		// timing is the embedded application's business, just forward
		return &msg, nil

	case MSG_REPLAY_STOPPED:
		c.playing = false
		c.state = STATE_STOPPED
		return nil, nil

	default:
		slog.Debug("unknown replay message type ignored", "msgtype", msg.MsgType)
		return nil, nil
	}
}

func (c *Controller) pullData(ctx context.Context, i int) (*Message, error) {
	count, err := c.store.EventCount(ctx)
	if err != nil {
		return nil, fmt.Errorf("can't count replay events: %w", err)
	}
	if i < 0 || i >= count {
		// the trace is exhausted, never serve stale data
		c.playing = false
		c.state = STATE_STOPPED
		return &Message{MsgType: MSG_REPLAY_STOPPED}, nil
	}

	ev, err := c.store.EventAt(ctx, i)
	if err != nil {
		return nil, fmt.Errorf("can't get replay event %d: %w", i, err)
	}

	value := ev.Value
	if ev.Type == event.TypeMouse {
		chunk, err := event.Parse(ev.Type, ev.Value)
		if err == nil {
			mouseChunk := chunk.(event.MouseChunk)
			mouseChunk.Frames = event.FilterFrames(mouseChunk.Frames, replayFrameKinds)
			event.SortFrames(mouseChunk.Frames)
			if filtered, err := json.Marshal(mouseChunk); err == nil {
				value = filtered
			}
		}
	}

	payload := struct {
		I          int             `json:"i"`
		NChunks    *int            `json:"n_chunks,omitempty"`
		Time       time.Time       `json:"time"`
		Type       string          `json:"type"`
		ReplayData json.RawMessage `json:"replaydata"`
	}{I: i, Time: ev.Time, Type: ev.Type, ReplayData: value}
	if i == 0 {
		// the first chunk also tells the embed how many there are
		payload.NChunks = &count
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("can't marshal replay data: %w", err)
	}
	return &Message{MsgType: MSG_REPLAY_DATA, Data: data}, nil
}
