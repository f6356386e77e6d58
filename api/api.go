// Package api is the HTTP face of the daemon. It translates REST
// traffic into bus requests against the per-servo control services, so
// it holds no servo state of its own beyond the set of configured
// names.
package api

import (
	"net/http"
	"time"

	"github.com/edaniels/golog"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	"servodrive-go/bus"
	"servodrive-go/errcode"
	"servodrive-go/servo"
	"servodrive-go/services/servoctl"
)

type Server struct {
	conn    *bus.Connection
	names   map[string]struct{}
	ordered []string
	timeout time.Duration
	logger  golog.Logger
}

// New builds the router over conn for the given servo names. Requests
// for any other name are rejected without touching the bus.
func New(conn *bus.Connection, names []string, timeout time.Duration, logger golog.Logger) *Server {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return &Server{
		conn:    conn,
		names:   set,
		ordered: append([]string(nil), names...),
		timeout: timeout,
		logger:  logger,
	}
}

func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Route("/v1/servos", func(r chi.Router) {
		r.Get("/", s.listServos)
		r.Route("/{name}", func(r chi.Router) {
			r.Use(s.servoCtx)
			r.Get("/", s.getState)
			r.Put("/enable", s.putEnable)
			r.Get("/angle", s.getValue(servoctl.MethodGetAngle))
			r.Put("/angle", s.putAngle)
			r.Get("/speed", s.getValue(servoctl.MethodGetSpeed))
			r.Put("/speed", s.putSpeed)
			r.Get("/limits", s.getValue(servoctl.MethodGetLimits))
			r.Put("/limits", s.putLimits)
		})
	})
	return r
}

// servoCtx rejects unknown servo names up front.
func (s *Server) servoCtx(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		if _, ok := s.names[name]; !ok {
			render.Render(w, r, errUnknownServo)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) listServos(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]any{"servos": s.ordered})
}

// getState reads the retained state document rather than issuing
// commands, so it reflects whatever the service last published.
func (s *Server) getState(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	sub := s.conn.Subscribe(servoctl.StateTopic(name))
	defer s.conn.Unsubscribe(sub)

	select {
	case msg := <-sub.Channel():
		state, ok := msg.Payload.(*servoctl.State)
		if !ok {
			render.Render(w, r, errInternal("state document has unexpected shape"))
			return
		}
		render.JSON(w, r, state)
	case <-time.After(s.timeout):
		render.Render(w, r, errGateway(string(errcode.Timeout), http.StatusGatewayTimeout))
	}
}

func (s *Server) putEnable(w http.ResponseWriter, r *http.Request) {
	var body enableBody
	if err := render.Bind(r, &body); err != nil {
		render.Render(w, r, errBadRequest(err))
		return
	}
	s.command(w, r, servoctl.MethodEnable, servoctl.EnableRequest{Enabled: *body.Enabled})
}

func (s *Server) putAngle(w http.ResponseWriter, r *http.Request) {
	var body angleBody
	if err := render.Bind(r, &body); err != nil {
		render.Render(w, r, errBadRequest(err))
		return
	}
	s.command(w, r, servoctl.MethodSetAngle, servoctl.AngleRequest{Angle: *body.Angle})
}

func (s *Server) putSpeed(w http.ResponseWriter, r *http.Request) {
	var body speedBody
	if err := render.Bind(r, &body); err != nil {
		render.Render(w, r, errBadRequest(err))
		return
	}
	s.command(w, r, servoctl.MethodSetSpeed, servoctl.SpeedRequest{Speed: *body.Speed})
}

func (s *Server) putLimits(w http.ResponseWriter, r *http.Request) {
	var body limitsBody
	if err := render.Bind(r, &body); err != nil {
		render.Render(w, r, errBadRequest(err))
		return
	}
	s.command(w, r, servoctl.MethodSetLimits, servo.Limits(body))
}

func (s *Server) getValue(method string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp, errResp := s.request(r, method, nil)
		if errResp != nil {
			render.Render(w, r, errResp)
			return
		}
		render.JSON(w, r, map[string]any{"value": resp.Value})
	}
}

func (s *Server) command(w http.ResponseWriter, r *http.Request, method string, payload any) {
	if _, errResp := s.request(r, method, payload); errResp != nil {
		render.Render(w, r, errResp)
		return
	}
	render.JSON(w, r, map[string]any{"ok": true})
}

func (s *Server) request(r *http.Request, method string, payload any) (*servoctl.Response, *errResponse) {
	name := chi.URLParam(r, "name")
	msg, err := s.conn.Request(servoctl.ControlTopic(name, method), payload, s.timeout)
	if err != nil {
		s.logger.Warnw("bus request failed", "servo", name, "method", method, "error", err)
		return nil, errGateway(string(errcode.Timeout), http.StatusGatewayTimeout)
	}
	resp, ok := msg.Payload.(*servoctl.Response)
	if !ok {
		return nil, errInternal("reply has unexpected shape")
	}
	if !resp.OK {
		return nil, errFromCode(resp.Error)
	}
	return resp, nil
}

// Request bodies. Pointers distinguish absent fields from zero values.

type enableBody struct {
	Enabled *bool `json:"enabled"`
}

func (b *enableBody) Bind(*http.Request) error {
	if b.Enabled == nil {
		return errMissingField("enabled")
	}
	return nil
}

type angleBody struct {
	Angle *int `json:"angle"`
}

func (b *angleBody) Bind(*http.Request) error {
	if b.Angle == nil {
		return errMissingField("angle")
	}
	return nil
}

type speedBody struct {
	Speed *int `json:"speed"`
}

func (b *speedBody) Bind(*http.Request) error {
	if b.Speed == nil {
		return errMissingField("speed")
	}
	return nil
}

type limitsBody servo.Limits

func (b *limitsBody) Bind(*http.Request) error { return nil }
