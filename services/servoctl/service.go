// Package servoctl exposes one servo controller on the bus: it owns the
// servo/<name>/control/<method> subscription, dispatches the closed
// command set onto the controller, and answers on the request's reply
// topic.
package servoctl

import (
	"context"
	"encoding/json"
	"time"

	"github.com/edaniels/golog"

	"servodrive-go/bus"
	"servodrive-go/errcode"
	"servodrive-go/servo"
)

// The command set. Adding a method means extending the dispatch switch;
// anything else is answered with errcode.Unsupported.
const (
	MethodEnable    = "enable"
	MethodSetAngle  = "set_angle"
	MethodGetAngle  = "get_angle"
	MethodSetSpeed  = "set_speed"
	MethodGetSpeed  = "get_speed"
	MethodSetLimits = "set_limits"
	MethodGetLimits = "get_limits"
)

// ControlTopic addresses one command of one servo.
func ControlTopic(name, method string) bus.Topic {
	return bus.Topic{"servo", name, "control", method}
}

// StateTopic carries the retained last-command state document.
func StateTopic(name string) bus.Topic { return bus.Topic{"servo", name, "state"} }

// InfoTopic carries the retained static description.
func InfoTopic(name string) bus.Topic { return bus.Topic{"servo", name, "info"} }

// Request and reply payloads. They travel in-process as structs and
// over the HTTP bridge as JSON objects; decode handles both.

type EnableRequest struct {
	Enabled bool `json:"enabled"`
}

type AngleRequest struct {
	Angle int `json:"angle"`
}

type SpeedRequest struct {
	Speed int `json:"speed"`
}

type Response struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	Value any    `json:"value,omitempty"`
}

// Info is the retained static description of one servo.
type Info struct {
	Name     string       `json:"name"`
	PeriodNs uint32       `json:"period_ns"`
	TickMs   int          `json:"tick_ms"`
	Limits   servo.Limits `json:"limits"`
}

// State is the retained snapshot published after each mutating command.
// Ramp progress between commands is not reflected here; poll get_angle
// to track a ramp.
type State struct {
	Enabled bool  `json:"enabled"`
	Angle   int   `json:"angle"`
	Target  int   `json:"target"`
	Speed   int   `json:"speed"`
	TsMs    int64 `json:"ts_ms"`
}

type Service struct {
	name   string
	ctrl   *servo.Controller
	conn   *bus.Connection
	logger golog.Logger
}

func New(name string, ctrl *servo.Controller, conn *bus.Connection, logger golog.Logger) *Service {
	return &Service{name: name, ctrl: ctrl, conn: conn, logger: logger}
}

// Run serves control traffic until the context is cancelled. It
// publishes the retained info document on entry and clears the retained
// topics on exit.
func (s *Service) Run(ctx context.Context) {
	sub := s.conn.Subscribe(bus.Topic{"servo", s.name, "control", bus.Wildcard})
	defer s.conn.Unsubscribe(sub)

	s.publishInfo()
	s.publishState()
	defer func() {
		s.conn.Publish(s.conn.NewMessage(InfoTopic(s.name), nil, true))
		s.conn.Publish(s.conn.NewMessage(StateTopic(s.name), nil, true))
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-sub.Channel():
			s.dispatch(msg)
		}
	}
}

func (s *Service) dispatch(msg *bus.Message) {
	if len(msg.Topic) != 4 {
		return
	}
	method := msg.Topic[3]

	switch method {
	case MethodEnable:
		var req EnableRequest
		if err := decode(msg.Payload, &req); err != nil {
			s.replyErr(msg, errcode.InvalidPayload)
			return
		}
		if err := s.ctrl.Enable(req.Enabled); err != nil {
			s.logger.Errorw("enable failed", "servo", s.name, "error", err)
			s.replyErr(msg, hardwareCode(err))
			return
		}
		s.publishState()
		s.replyOK(msg, nil)

	case MethodSetAngle:
		var req AngleRequest
		if err := decode(msg.Payload, &req); err != nil {
			s.replyErr(msg, errcode.InvalidPayload)
			return
		}
		err := s.ctrl.SetAngle(req.Angle)
		s.publishState() // target stored even when the write failed
		if err != nil {
			s.logger.Errorw("set_angle failed", "servo", s.name, "error", err)
			s.replyErr(msg, hardwareCode(err))
			return
		}
		s.replyOK(msg, nil)

	case MethodGetAngle:
		s.replyOK(msg, s.ctrl.Angle())

	case MethodSetSpeed:
		var req SpeedRequest
		if err := decode(msg.Payload, &req); err != nil {
			s.replyErr(msg, errcode.InvalidPayload)
			return
		}
		s.ctrl.SetSpeed(req.Speed)
		s.publishState()
		s.replyOK(msg, nil)

	case MethodGetSpeed:
		s.replyOK(msg, s.ctrl.Speed())

	case MethodSetLimits:
		var req servo.Limits
		if err := decode(msg.Payload, &req); err != nil {
			s.replyErr(msg, errcode.InvalidPayload)
			return
		}
		err := s.ctrl.SetLimits(req)
		if code := errcode.Of(err); code == errcode.InvalidLimits {
			s.replyErr(msg, code)
			return
		}
		s.publishInfo() // limits are part of the static description
		s.publishState()
		if err != nil {
			s.logger.Errorw("set_limits reapply failed", "servo", s.name, "error", err)
			s.replyErr(msg, hardwareCode(err))
			return
		}
		s.replyOK(msg, nil)

	case MethodGetLimits:
		s.replyOK(msg, s.ctrl.CurrentLimits())

	default:
		s.replyErr(msg, errcode.Unsupported)
	}
}

// hardwareCode maps controller errors to protocol codes. Past
// validation, the only failure source is the output device.
func hardwareCode(err error) errcode.Code {
	if code := errcode.Of(err); code != errcode.Error {
		return code
	}
	return errcode.HardwareError
}

func (s *Service) replyOK(req *bus.Message, value any) {
	s.conn.Reply(req, &Response{OK: true, Value: value}, false)
}

func (s *Service) replyErr(req *bus.Message, code errcode.Code) {
	s.conn.Reply(req, &Response{OK: false, Error: string(code)}, false)
}

func (s *Service) publishInfo() {
	s.conn.Publish(s.conn.NewMessage(InfoTopic(s.name), &Info{
		Name:     s.name,
		PeriodNs: s.ctrl.PeriodNs(),
		TickMs:   s.ctrl.TickMs(),
		Limits:   s.ctrl.CurrentLimits(),
	}, true))
}

func (s *Service) publishState() {
	s.conn.Publish(s.conn.NewMessage(StateTopic(s.name), &State{
		Enabled: s.ctrl.Enabled(),
		Angle:   s.ctrl.Angle(),
		Target:  s.ctrl.Target(),
		Speed:   s.ctrl.Speed(),
		TsMs:    time.Now().UnixMilli(),
	}, true))
}

// decode accepts an in-process struct of the target type, raw JSON, or
// a generic map (the HTTP bridge's shape) by round-tripping through
// encoding/json.
func decode[T any](src any, dst *T) error {
	switch v := src.(type) {
	case nil:
		return errDecode
	case T:
		*dst = v
		return nil
	case *T:
		*dst = *v
		return nil
	case []byte:
		return json.Unmarshal(v, dst)
	case string:
		return json.Unmarshal([]byte(v), dst)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return json.Unmarshal(b, dst)
	}
}

var errDecode = errcode.InvalidPayload
