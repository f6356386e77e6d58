package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"

	"servodrive-go/bus"
	"servodrive-go/errcode"
	"servodrive-go/servo"
	"servodrive-go/services/servoctl"
)

// newTestServer wires a real bus, one live servo service ("pan") and one
// registered name with no service behind it ("ghost").
func newTestServer(t *testing.T, timeout time.Duration) *httptest.Server {
	t.Helper()
	b := bus.New(8)

	ctrl, err := servo.NewController(servo.NopOutput{}, servo.Config{
		Clock:  clock.NewMock(),
		Logger: golog.NewTestLogger(t),
	})
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	t.Cleanup(ctrl.Close)

	svc := servoctl.New("pan", ctrl, b.NewConnection("svc-pan"), golog.NewTestLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go svc.Run(ctx)

	apiConn := b.NewConnection("api")
	ready := apiConn.Subscribe(servoctl.InfoTopic("pan"))
	select {
	case <-ready.Channel():
	case <-time.After(time.Second):
		t.Fatal("servo service did not come up")
	}
	apiConn.Unsubscribe(ready)

	srv := New(apiConn, []string{"pan", "ghost"}, timeout, golog.NewTestLogger(t))
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, method, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return resp, decoded
}

func TestListServos(t *testing.T) {
	ts := newTestServer(t, time.Second)
	resp, body := doJSON(t, http.MethodGet, ts.URL+"/v1/servos", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	names, _ := body["servos"].([]any)
	if len(names) != 2 || names[0] != "pan" {
		t.Fatalf("servos: %v", body["servos"])
	}
}

func TestUnknownServo(t *testing.T) {
	ts := newTestServer(t, time.Second)
	resp, body := doJSON(t, http.MethodGet, ts.URL+"/v1/servos/nope/angle", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if body["code"] != string(errcode.UnknownServo) {
		t.Fatalf("code: %v", body["code"])
	}
}

func TestEnableAndAngleRoundTrip(t *testing.T) {
	ts := newTestServer(t, time.Second)

	resp, _ := doJSON(t, http.MethodPut, ts.URL+"/v1/servos/pan/enable", `{"enabled":true}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("enable status %d", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodPut, ts.URL+"/v1/servos/pan/angle", `{"angle":45}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("put angle status %d", resp.StatusCode)
	}

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/v1/servos/pan/angle", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get angle status %d", resp.StatusCode)
	}
	if body["value"] != float64(45) {
		t.Fatalf("angle: %v", body["value"])
	}
}

func TestMissingFieldRejected(t *testing.T) {
	ts := newTestServer(t, time.Second)
	resp, body := doJSON(t, http.MethodPut, ts.URL+"/v1/servos/pan/angle", `{}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if body["code"] != string(errcode.InvalidPayload) {
		t.Fatalf("code: %v", body["code"])
	}
}

func TestInvalidLimitsMapTo400(t *testing.T) {
	ts := newTestServer(t, time.Second)
	resp, body := doJSON(t, http.MethodPut, ts.URL+"/v1/servos/pan/limits",
		`{"min_angle":90,"max_angle":10,"min_pulse_ns":1,"max_pulse_ns":2}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if body["code"] != string(errcode.InvalidLimits) {
		t.Fatalf("code: %v", body["code"])
	}
}

func TestLimitsRoundTrip(t *testing.T) {
	ts := newTestServer(t, time.Second)
	resp, _ := doJSON(t, http.MethodPut, ts.URL+"/v1/servos/pan/limits",
		`{"min_angle":10,"max_angle":170,"min_pulse_ns":900000,"max_pulse_ns":2100000}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("put limits status %d", resp.StatusCode)
	}

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/v1/servos/pan/limits", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get limits status %d", resp.StatusCode)
	}
	val, _ := body["value"].(map[string]any)
	if val["min_angle"] != float64(10) || val["max_pulse_ns"] != float64(2100000) {
		t.Fatalf("limits: %v", body["value"])
	}
}

func TestStateDocument(t *testing.T) {
	ts := newTestServer(t, time.Second)
	doJSON(t, http.MethodPut, ts.URL+"/v1/servos/pan/enable", `{"enabled":true}`)

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/v1/servos/pan", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if body["enabled"] != true {
		t.Fatalf("enabled: %v", body["enabled"])
	}
	if body["angle"] != float64(90) {
		t.Fatalf("angle: %v", body["angle"])
	}
}

func TestSilentServoTimesOut(t *testing.T) {
	ts := newTestServer(t, 50*time.Millisecond)
	resp, body := doJSON(t, http.MethodGet, ts.URL+"/v1/servos/ghost/angle", "")
	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if body["code"] != string(errcode.Timeout) {
		t.Fatalf("code: %v", body["code"])
	}
}
