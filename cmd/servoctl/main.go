// servoctl is a small command-line client for the servod HTTP API.
//
//	servoctl -addr localhost:8754 -servo pan enable
//	servoctl -servo pan angle 135
//	servoctl -servo pan speed 90
//	servoctl -servo pan limits 0 180 1000000 2000000
//	servoctl -servo pan get
//	servoctl -servo pan demo
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"
)

func main() {
	var (
		addr = flag.String("addr", "localhost:8754", "servod address")
		name = flag.String("servo", "", "servo name")
	)
	flag.Usage = usage
	flag.Parse()

	if *name == "" || flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}

	c := &client{base: "http://" + *addr + "/v1/servos/" + *name}
	if err := dispatch(c, flag.Arg(0), flag.Args()[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "servoctl:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: servoctl [-addr host:port] -servo NAME COMMAND [ARGS]

commands:
  enable                         power the servo on
  disable                        power the servo off
  angle DEG                      set the target angle
  speed DPS                      set the ramp speed (0 = jump)
  limits MIN MAX MINNS MAXNS     set angle and pulse limits
  get                            print the current state
  demo                           run a short motion demonstration`)
}

func dispatch(c *client, cmd string, args []string) error {
	switch cmd {
	case "enable":
		return c.put("/enable", map[string]any{"enabled": true})
	case "disable":
		return c.put("/enable", map[string]any{"enabled": false})
	case "angle":
		v, err := argInt(args, 0, "angle")
		if err != nil {
			return err
		}
		return c.put("/angle", map[string]any{"angle": v})
	case "speed":
		v, err := argInt(args, 0, "speed")
		if err != nil {
			return err
		}
		return c.put("/speed", map[string]any{"speed": v})
	case "limits":
		if len(args) != 4 {
			return fmt.Errorf("limits takes MIN MAX MINNS MAXNS")
		}
		vals := make([]int, 4)
		for i, a := range args {
			v, err := strconv.Atoi(a)
			if err != nil {
				return fmt.Errorf("bad limits argument %q", a)
			}
			vals[i] = v
		}
		return c.put("/limits", map[string]any{
			"min_angle":    vals[0],
			"max_angle":    vals[1],
			"min_pulse_ns": vals[2],
			"max_pulse_ns": vals[3],
		})
	case "get":
		return c.printState()
	case "demo":
		return demo(c)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// demo sweeps the servo through a short scripted motion.
func demo(c *client) error {
	steps := []struct {
		desc string
		run  func() error
	}{
		{"enable", func() error { return c.put("/enable", map[string]any{"enabled": true}) }},
		{"speed 90", func() error { return c.put("/speed", map[string]any{"speed": 90}) }},
		{"angle 45", func() error { return c.put("/angle", map[string]any{"angle": 45}) }},
		{"wait", func() error { time.Sleep(2 * time.Second); return nil }},
		{"angle 135", func() error { return c.put("/angle", map[string]any{"angle": 135}) }},
		{"wait", func() error { time.Sleep(2 * time.Second); return nil }},
		{"state", c.printState},
		{"disable", func() error { return c.put("/enable", map[string]any{"enabled": false}) }},
	}
	for _, s := range steps {
		fmt.Println(">", s.desc)
		if err := s.run(); err != nil {
			return err
		}
	}
	return nil
}

func argInt(args []string, i int, name string) (int, error) {
	if i >= len(args) {
		return 0, fmt.Errorf("missing %s argument", name)
	}
	v, err := strconv.Atoi(args[i])
	if err != nil {
		return 0, fmt.Errorf("bad %s %q", name, args[i])
	}
	return v, nil
}

type client struct {
	base string
}

func (c *client) put(path string, body any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPut, c.base+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkStatus(resp)
}

func (c *client) printState() error {
	resp, err := http.Get(c.base)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}
	var state map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return err
	}
	out, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	var e struct {
		Status string `json:"status"`
		Code   string `json:"code"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&e); err == nil && e.Code != "" {
		return fmt.Errorf("%s (%s)", e.Status, e.Code)
	}
	return fmt.Errorf("http %s", resp.Status)
}
