// Command simulator publishes synthetic drone telemetry so a dispatch
// service can be exercised without hardware. Each simulated vehicle wanders
// inside the configured area, drains its battery and reports a chilled
// compartment whose temperature drifts around the setpoint.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/medifleet/dispatch/core/model"
	infmqtt "github.com/medifleet/dispatch/infra/mqtt"
)

type simConfig struct {
	Broker      string
	TopicPrefix string
	Count       int
	Interval    time.Duration
	LatMin      float64
	LatMax      float64
	LonMin      float64
	LonMax      float64
	SpeedMps    float64
	DrainPerMin float64
	SetpointC   float64
	TempJitterC float64
	Verbose     bool
}

func parseFlags() simConfig {
	var cfg simConfig
	flag.StringVar(&cfg.Broker, "broker", "tcp://localhost:1883", "MQTT broker URL")
	flag.StringVar(&cfg.TopicPrefix, "topic-prefix", "medifleet/telemetry", "telemetry topic prefix")
	flag.IntVar(&cfg.Count, "count", 3, "number of simulated vehicles")
	flag.DurationVar(&cfg.Interval, "interval", 5*time.Second, "publish interval")
	flag.Float64Var(&cfg.LatMin, "lat-min", 48.83, "area south boundary")
	flag.Float64Var(&cfg.LatMax, "lat-max", 48.89, "area north boundary")
	flag.Float64Var(&cfg.LonMin, "lon-min", 2.30, "area west boundary")
	flag.Float64Var(&cfg.LonMax, "lon-max", 2.40, "area east boundary")
	flag.Float64Var(&cfg.SpeedMps, "speed", 15, "cruise speed m/s")
	flag.Float64Var(&cfg.DrainPerMin, "drain", 0.005, "battery fraction drained per minute")
	flag.Float64Var(&cfg.SetpointC, "setpoint", 5, "compartment temperature setpoint C")
	flag.Float64Var(&cfg.TempJitterC, "temp-jitter", 0.8, "compartment temperature jitter C")
	flag.BoolVar(&cfg.Verbose, "verbose", false, "enable verbose logging")
	flag.Parse()
	return cfg
}

func (c simConfig) validate() error {
	if c.Count <= 0 {
		return fmt.Errorf("count must be positive")
	}
	if c.LatMin >= c.LatMax || c.LonMin >= c.LonMax {
		return fmt.Errorf("area boundaries are inverted")
	}
	if c.Interval <= 0 {
		return fmt.Errorf("interval must be positive")
	}
	return nil
}

type simVehicle struct {
	id      string
	cfg     simConfig
	rng     *rand.Rand
	pos     model.GeoPoint
	heading float64
	battery float64
	tempC   float64
	seq     uint64
}

func newSimVehicle(i int, cfg simConfig, rng *rand.Rand) *simVehicle {
	return &simVehicle{
		id:  fmt.Sprintf("sim-%02d", i+1),
		cfg: cfg,
		rng: rng,
		pos: model.GeoPoint{
			Lat: cfg.LatMin + rng.Float64()*(cfg.LatMax-cfg.LatMin),
			Lon: cfg.LonMin + rng.Float64()*(cfg.LonMax-cfg.LonMin),
		},
		heading: rng.Float64() * 360,
		battery: 0.7 + rng.Float64()*0.3,
		tempC:   cfg.SetpointC,
	}
}

// step advances the vehicle by one interval: drift the heading, move, bounce
// off the area boundary, drain the battery and wobble the compartment
// temperature.
func (v *simVehicle) step() {
	v.heading += (v.rng.Float64() - 0.5) * 40
	distM := v.cfg.SpeedMps * v.cfg.Interval.Seconds()
	rad := v.heading * math.Pi / 180
	v.pos.Lat += (distM * math.Cos(rad)) / 111320
	v.pos.Lon += (distM * math.Sin(rad)) / (111320 * math.Cos(v.pos.Lat*math.Pi/180))
	if v.pos.Lat < v.cfg.LatMin || v.pos.Lat > v.cfg.LatMax || v.pos.Lon < v.cfg.LonMin || v.pos.Lon > v.cfg.LonMax {
		v.pos.Lat = math.Max(v.cfg.LatMin, math.Min(v.cfg.LatMax, v.pos.Lat))
		v.pos.Lon = math.Max(v.cfg.LonMin, math.Min(v.cfg.LonMax, v.pos.Lon))
		v.heading += 180
	}
	v.battery -= v.cfg.DrainPerMin * v.cfg.Interval.Minutes()
	if v.battery < 0.05 {
		v.battery = 1 // swapped pack
	}
	v.tempC = v.cfg.SetpointC + (v.rng.Float64()-0.5)*2*v.cfg.TempJitterC
	v.seq++
}

func (v *simVehicle) event() model.TelemetryEvent {
	return model.TelemetryEvent{
		VehicleID:        v.id,
		Seq:              v.seq,
		Timestamp:        time.Now().UTC(),
		Location:         v.pos,
		Battery:          v.battery,
		SpeedMps:         v.cfg.SpeedMps,
		HeadingDeg:       math.Mod(v.heading+360, 360),
		CompartmentTemps: map[string]float64{"c1": v.tempC},
	}
}

func main() {
	cfg := parseFlags()
	if err := cfg.validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}
	if !cfg.Verbose {
		log.SetOutput(io.Discard)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cli, err := infmqtt.Connect(infmqtt.Config{Broker: cfg.Broker, ClientID: "medifleet-sim"}, "")
	if err != nil {
		log.SetOutput(os.Stderr)
		log.Fatalf("mqtt connect: %v", err)
	}
	defer cli.Disconnect(250)

	prefix := strings.TrimSuffix(cfg.TopicPrefix, "/")
	var wg sync.WaitGroup
	for i := 0; i < cfg.Count; i++ {
		v := newSimVehicle(i, cfg, rand.New(rand.NewSource(time.Now().UnixNano()+int64(i))))
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(cfg.Interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					v.step()
					payload, err := json.Marshal(v.event())
					if err != nil {
						log.Printf("%s: marshal: %v", v.id, err)
						continue
					}
					token := cli.Publish(prefix+"/"+v.id, 0, false, payload)
					token.Wait()
					if token.Error() != nil {
						log.Printf("%s: publish: %v", v.id, token.Error())
					}
				}
			}
		}()
	}
	wg.Wait()
}
