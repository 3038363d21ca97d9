// hublink connects to a LEGO hub and exercises its motors and lights from
// the command line: `hublink scan` lists nearby hubs, `hublink drive` runs
// the motors described by the yaml config.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"go.uber.org/zap"

	"hublink/boost"
	"hublink/duplotrain"
	"hublink/ev3"
	"hublink/hub"
	"hublink/motor"
	"hublink/spike"
	"hublink/transport"
	"hublink/wedo2"
)

// attachWait gives a freshly connected hub time to announce its ports
// before we look for motors.
const attachWait = 2 * time.Second

func main() {
	configPath := flag.String("config", "hublink.yaml", "path to the yaml config")
	flag.Parse()

	log, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync()

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		log.Fatal("loading config", zap.Error(err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	switch flag.Arg(0) {
	case "scan":
		err = runScan(ctx, cfg, log)
	case "drive", "":
		err = runDrive(ctx, cfg, log)
	default:
		err = fmt.Errorf("unknown command %q (want scan or drive)", flag.Arg(0))
	}
	if err != nil {
		log.Fatal("command failed", zap.Error(err))
	}
}

func serviceUUID(family string) (string, error) {
	switch family {
	case "wedo2":
		return wedo2.ServiceHub, nil
	case "boost":
		return boost.ServiceHub, nil
	case "duplotrain":
		return duplotrain.ServiceHub, nil
	default:
		return "", transport.ErrScanUnsupported
	}
}

func runScan(ctx context.Context, cfg *Config, log *zap.Logger) error {
	uuid, err := serviceUUID(cfg.Family)
	if err != nil {
		return err
	}
	session, err := transport.NewBLESession(transport.ScanFilter{
		ServiceUUID: uuid,
		MinRSSI:     cfg.MinRSSI,
	}, log)
	if err != nil {
		return err
	}

	scanCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	ads, err := session.Scan(scanCtx)
	if err != nil {
		return err
	}
	for _, ad := range ads {
		fmt.Printf("%s\t%s\tRSSI %d\n", ad.Address, ad.Name, ad.RSSI)
	}
	if len(ads) == 0 {
		fmt.Println("no hubs found")
	}
	return nil
}

func runDrive(ctx context.Context, cfg *Config, log *zap.Logger) error {
	stop := hub.NewStopAllBroadcaster()
	defer stop.StopAll()

	switch cfg.Family {
	case "wedo2":
		session, err := transport.NewBLESession(transport.ScanFilter{ServiceUUID: wedo2.ServiceHub}, log)
		if err != nil {
			return err
		}
		h := wedo2.NewHub(session, stop, nil, log)
		if err := h.Connect(ctx, cfg.Address); err != nil {
			return err
		}
		defer h.Close()
		time.Sleep(attachWait)
		if len(cfg.LEDRGB) == 3 {
			h.SetLED(byte(cfg.LEDRGB[0]), byte(cfg.LEDRGB[1]), byte(cfg.LEDRGB[2]))
		}
		return driveMotors(ctx, h.Motors(), cfg, log)

	case "boost":
		session, err := transport.NewBLESession(transport.ScanFilter{ServiceUUID: boost.ServiceHub}, log)
		if err != nil {
			return err
		}
		h := boost.NewHub(session, stop, nil, log)
		if err := h.Connect(ctx, cfg.Address); err != nil {
			return err
		}
		defer h.Close()
		time.Sleep(attachWait)
		if len(cfg.LEDRGB) == 3 {
			h.SetLEDRGB(byte(cfg.LEDRGB[0]), byte(cfg.LEDRGB[1]), byte(cfg.LEDRGB[2]))
		} else if cfg.LEDIndex >= 0 {
			h.SetLEDColor(byte(cfg.LEDIndex))
		}
		return driveMotors(ctx, h.Motors(), cfg, log)

	case "duplotrain":
		session, err := transport.NewBLESession(transport.ScanFilter{ServiceUUID: duplotrain.ServiceHub}, log)
		if err != nil {
			return err
		}
		h := duplotrain.NewHub(session, stop, nil, log)
		if err := h.Connect(ctx, cfg.Address); err != nil {
			return err
		}
		defer h.Close()
		time.Sleep(attachWait)
		if cfg.LEDIndex >= 0 {
			h.SetLED(byte(cfg.LEDIndex))
		}
		return driveMotors(ctx, []*motor.Motor{h.Motor()}, cfg, log)

	case "ev3":
		h := ev3.NewHub(transport.NewSerialSession(cfg.Baud, log), stop, nil, log)
		if err := h.Connect(ctx, cfg.Address); err != nil {
			return err
		}
		defer h.Close()
		time.Sleep(attachWait)
		var motors []*motor.Motor
		for i := 0; i < 4; i++ {
			if m := h.Motor(i); m != nil {
				motors = append(motors, m)
			}
		}
		return driveMotors(ctx, motors, cfg, log)

	case "spike":
		h := spike.NewHub(transport.NewSerialSession(cfg.Baud, log), stop, nil, log)
		if err := h.Connect(ctx, cfg.Address); err != nil {
			return err
		}
		defer h.Close()
		time.Sleep(attachWait)
		return driveMotors(ctx, h.Motors(), cfg, log)
	}
	return fmt.Errorf("unknown family %q", cfg.Family)
}

// driveMotors runs every attached motor for the configured duration, then
// waits out the run and its stop settle before returning.
func driveMotors(ctx context.Context, motors []*motor.Motor, cfg *Config, log *zap.Logger) error {
	motors = nonNil(motors)
	if len(motors) == 0 {
		log.Warn("no motors attached")
		return nil
	}
	magnitude, direction := splitPower(cfg.Power)
	duration := time.Duration(cfg.DurationMS) * time.Millisecond
	log.Info("driving motors",
		zap.Int("count", len(motors)),
		zap.Int("power", magnitude*direction),
		zap.Duration("duration", duration))

	for _, m := range motors {
		m.SetPower(magnitude)
		m.SetDirection(direction)
		m.TurnOnFor(duration)
	}

	settle := duration + motor.BrakeSettle + motor.CoastSettle
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(settle):
		return nil
	}
}

func nonNil(motors []*motor.Motor) []*motor.Motor {
	var out []*motor.Motor
	for _, m := range motors {
		if m != nil {
			out = append(out, m)
		}
	}
	return out
}
