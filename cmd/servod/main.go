// servod hosts the configured servos: it builds one output backend and
// one controller per servo, runs their control services on the bus, and
// serves the HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/edaniels/golog"

	"servodrive-go/api"
	"servodrive-go/bus"
	"servodrive-go/config"
	"servodrive-go/output/i2cdev"
	"servodrive-go/output/pca9685"
	"servodrive-go/output/sysfs"
	"servodrive-go/servo"
	"servodrive-go/services/servoctl"
)

func main() {
	var (
		configPath = flag.String("config", "/etc/servod.yaml", "path to the config file")
		debug      = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	var logger golog.Logger
	if *debug {
		logger = golog.NewDevelopmentLogger("servod")
	} else {
		logger = golog.NewLogger("servod")
	}

	if err := run(*configPath, logger); err != nil {
		logger.Fatal(err)
	}
}

type instance struct {
	name  string
	ctrl  *servo.Controller
	svc   *servoctl.Service
	close func()
}

func run(configPath string, logger golog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b := bus.New(16)

	// I2C adapters are shared between servos on the same bus number.
	i2cBuses := make(map[int]*i2cdev.Bus)
	defer func() {
		for _, ib := range i2cBuses {
			ib.Close()
		}
	}()

	instances := make([]*instance, 0, len(cfg.Servos))
	names := make([]string, 0, len(cfg.Servos))
	for _, sc := range cfg.Servos {
		inst, err := buildServo(sc, b, i2cBuses, logger)
		if err != nil {
			closeAll(instances)
			return err
		}
		instances = append(instances, inst)
		names = append(names, sc.Name)
		logger.Infow("servo ready", "name", sc.Name, "output", sc.Output)
	}

	svcCtx, cancelSvcs := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for _, inst := range instances {
		wg.Add(1)
		go func(inst *instance) {
			defer wg.Done()
			inst.svc.Run(svcCtx)
		}(inst)
	}

	timeout := time.Duration(cfg.RequestTimeoutMs) * time.Millisecond
	apiSrv := api.New(b.NewConnection("api"), names, timeout, logger)
	httpSrv := &http.Server{Addr: cfg.Listen, Handler: apiSrv.Router()}
	httpErr := make(chan error, 1)
	go func() {
		logger.Infow("http api listening", "addr", cfg.Listen)
		httpErr <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-httpErr:
		if !errors.Is(err, http.ErrServerClosed) {
			cancelSvcs()
			wg.Wait()
			closeAll(instances)
			return err
		}
	}

	// Shutdown order: stop accepting HTTP traffic, stop the services,
	// then park and power down the hardware.
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		logger.Warnw("http shutdown", "error", err)
	}

	cancelSvcs()
	wg.Wait()
	closeAll(instances)
	return nil
}

func buildServo(sc config.Servo, b *bus.Bus, i2cBuses map[int]*i2cdev.Bus, logger golog.Logger) (*instance, error) {
	out, closeOut, err := buildOutput(sc, i2cBuses, logger)
	if err != nil {
		return nil, err
	}

	ctrl, err := servo.NewController(out, servo.Config{
		PeriodNs:   sc.PeriodNs,
		TickMs:     sc.TickMs,
		StartAngle: sc.StartAngle,
		Logger:     logger.Named(sc.Name),
	})
	if err != nil {
		return nil, err
	}
	if sc.Limits != nil {
		if err := ctrl.SetLimits(*sc.Limits); err != nil {
			ctrl.Close()
			return nil, err
		}
	}

	return &instance{
		name: sc.Name,
		ctrl: ctrl,
		svc:  servoctl.New(sc.Name, ctrl, b.NewConnection("svc-"+sc.Name), logger.Named(sc.Name)),
		close: func() {
			ctrl.Close()
			if closeOut != nil {
				closeOut()
			}
		},
	}, nil
}

func buildOutput(sc config.Servo, i2cBuses map[int]*i2cdev.Bus, logger golog.Logger) (servo.Output, func(), error) {
	switch sc.Output {
	case config.OutputSysfs:
		p, err := sysfs.Open(sysfs.DefaultRoot, sc.Chip, sc.Channel, logger.Named(sc.Name))
		if err != nil {
			return nil, nil, err
		}
		return p, p.Close, nil

	case config.OutputPCA9685:
		ib, ok := i2cBuses[sc.I2CBus]
		if !ok {
			var err error
			ib, err = i2cdev.Open(sc.I2CBus)
			if err != nil {
				return nil, nil, err
			}
			i2cBuses[sc.I2CBus] = ib
		}
		dev := pca9685.New(ib, sc.Channel)
		if sc.I2CAddr != 0 {
			dev.Address = sc.I2CAddr
		}
		return dev, nil, nil

	default: // config.OutputNone, already validated
		return servo.NopOutput{}, nil, nil
	}
}

func closeAll(instances []*instance) {
	for _, inst := range instances {
		inst.close()
	}
}
