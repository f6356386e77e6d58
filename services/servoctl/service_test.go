package servoctl

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"

	"servodrive-go/bus"
	"servodrive-go/errcode"
	"servodrive-go/servo"
)

// flakyOutput fails Configure on demand.
type flakyOutput struct {
	mu   sync.Mutex
	fail bool
}

func (f *flakyOutput) Configure(pulseNs, periodNs uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errcode.HardwareError
	}
	return nil
}
func (f *flakyOutput) Enable() error { return nil }
func (f *flakyOutput) Disable()      {}

func (f *flakyOutput) setFail(v bool) {
	f.mu.Lock()
	f.fail = v
	f.mu.Unlock()
}

type harness struct {
	bus    *bus.Bus
	ctrl   *servo.Controller
	out    *flakyOutput
	client *bus.Connection
	cancel context.CancelFunc
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	out := &flakyOutput{}
	ctrl, err := servo.NewController(out, servo.Config{
		Clock:  clock.NewMock(),
		Logger: golog.NewTestLogger(t),
	})
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}

	b := bus.New(8)
	svc := New("servo0", ctrl, b.NewConnection("svc-servo0"), golog.NewTestLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	go svc.Run(ctx)
	t.Cleanup(cancel)
	t.Cleanup(ctrl.Close)

	client := b.NewConnection("client")

	// The info document is published after the control subscription, so
	// its arrival means the service is accepting requests.
	ready := client.Subscribe(InfoTopic("servo0"))
	select {
	case <-ready.Channel():
	case <-time.After(time.Second):
		t.Fatal("service did not come up")
	}
	client.Unsubscribe(ready)

	return &harness{
		bus:    b,
		ctrl:   ctrl,
		out:    out,
		client: client,
		cancel: cancel,
	}
}

func (h *harness) call(t *testing.T, method string, payload any) *Response {
	t.Helper()
	msg, err := h.client.Request(ControlTopic("servo0", method), payload, time.Second)
	if err != nil {
		t.Fatalf("%s request: %v", method, err)
	}
	resp, ok := msg.Payload.(*Response)
	if !ok {
		t.Fatalf("%s reply payload: %T", method, msg.Payload)
	}
	return resp
}

func TestEnableAndGetAngle(t *testing.T) {
	h := newHarness(t)

	resp := h.call(t, MethodEnable, EnableRequest{Enabled: true})
	if !resp.OK {
		t.Fatalf("enable failed: %s", resp.Error)
	}
	if !h.ctrl.Enabled() {
		t.Fatal("controller not enabled")
	}

	resp = h.call(t, MethodGetAngle, nil)
	if !resp.OK || resp.Value != 90 {
		t.Fatalf("get_angle: ok=%v value=%v", resp.OK, resp.Value)
	}
}

func TestSetAngleImmediate(t *testing.T) {
	h := newHarness(t)
	h.call(t, MethodEnable, EnableRequest{Enabled: true})

	resp := h.call(t, MethodSetAngle, AngleRequest{Angle: 45})
	if !resp.OK {
		t.Fatalf("set_angle failed: %s", resp.Error)
	}
	if got := h.call(t, MethodGetAngle, nil).Value; got != 45 {
		t.Fatalf("angle: want 45, got %v", got)
	}
}

func TestSetAngleMapPayload(t *testing.T) {
	// The HTTP bridge delivers decoded JSON maps.
	h := newHarness(t)
	resp := h.call(t, MethodSetAngle, map[string]any{"angle": 30})
	if !resp.OK {
		t.Fatalf("set_angle failed: %s", resp.Error)
	}
	if h.ctrl.Target() != 30 {
		t.Fatalf("target: want 30, got %d", h.ctrl.Target())
	}
}

func TestSetSpeedRoundTrip(t *testing.T) {
	h := newHarness(t)

	if resp := h.call(t, MethodSetSpeed, SpeedRequest{Speed: 120}); !resp.OK {
		t.Fatalf("set_speed failed: %s", resp.Error)
	}
	if got := h.call(t, MethodGetSpeed, nil).Value; got != 120 {
		t.Fatalf("speed: want 120, got %v", got)
	}

	if resp := h.call(t, MethodSetSpeed, SpeedRequest{Speed: -5}); !resp.OK {
		t.Fatalf("set_speed failed: %s", resp.Error)
	}
	if got := h.call(t, MethodGetSpeed, nil).Value; got != 0 {
		t.Fatalf("negative speed must store 0, got %v", got)
	}
}

func TestSetLimitsValidation(t *testing.T) {
	h := newHarness(t)

	bad := servo.Limits{MinAngle: 90, MaxAngle: 10, MinPulseNs: 1, MaxPulseNs: 2}
	resp := h.call(t, MethodSetLimits, bad)
	if resp.OK || resp.Error != string(errcode.InvalidLimits) {
		t.Fatalf("want invalid_limits, got ok=%v err=%s", resp.OK, resp.Error)
	}

	// Previously stored limits unchanged.
	got := h.call(t, MethodGetLimits, nil)
	lim, ok := got.Value.(servo.Limits)
	if !ok {
		t.Fatalf("get_limits value: %T", got.Value)
	}
	if lim != servo.DefaultLimits() {
		t.Fatalf("limits mutated: %+v", lim)
	}
}

func TestSetLimitsApplied(t *testing.T) {
	h := newHarness(t)

	l := servo.Limits{MinAngle: 0, MaxAngle: 90, MinPulseNs: 500_000, MaxPulseNs: 2_500_000}
	if resp := h.call(t, MethodSetLimits, l); !resp.OK {
		t.Fatalf("set_limits failed: %s", resp.Error)
	}
	got := h.call(t, MethodGetLimits, nil)
	if got.Value.(servo.Limits) != l {
		t.Fatalf("limits: want %+v, got %+v", l, got.Value)
	}
}

func TestHardwareErrorSurfaced(t *testing.T) {
	h := newHarness(t)
	h.call(t, MethodEnable, EnableRequest{Enabled: true})
	h.out.setFail(true)

	resp := h.call(t, MethodSetAngle, AngleRequest{Angle: 10})
	if resp.OK || resp.Error != string(errcode.HardwareError) {
		t.Fatalf("want hardware_error, got ok=%v err=%s", resp.OK, resp.Error)
	}
	// Logical target stored despite the failed write.
	if h.ctrl.Target() != 10 {
		t.Fatalf("target rolled back: %d", h.ctrl.Target())
	}
	if h.ctrl.Angle() != 90 {
		t.Fatalf("current angle moved on failed write: %d", h.ctrl.Angle())
	}
}

func TestUnsupportedMethod(t *testing.T) {
	h := newHarness(t)
	resp := h.call(t, "self_destruct", nil)
	if resp.OK || resp.Error != string(errcode.Unsupported) {
		t.Fatalf("want unsupported, got ok=%v err=%s", resp.OK, resp.Error)
	}
}

func TestInvalidPayload(t *testing.T) {
	h := newHarness(t)
	resp := h.call(t, MethodSetAngle, "not json at all")
	if resp.OK || resp.Error != string(errcode.InvalidPayload) {
		t.Fatalf("want invalid_payload, got ok=%v err=%s", resp.OK, resp.Error)
	}
}

func TestRetainedInfoAndState(t *testing.T) {
	h := newHarness(t)
	sub := h.client.Subscribe(InfoTopic("servo0"))
	defer h.client.Unsubscribe(sub)
	select {
	case msg := <-sub.Channel():
		info, ok := msg.Payload.(*Info)
		if !ok {
			t.Fatalf("info payload: %T", msg.Payload)
		}
		if info.Name != "servo0" || info.PeriodNs != servo.DefaultPeriodNs {
			t.Fatalf("unexpected info: %+v", info)
		}
	case <-time.After(time.Second):
		t.Fatal("no retained info document")
	}
}
