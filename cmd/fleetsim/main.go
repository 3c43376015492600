// fleetsim publishes simulated driver positions to the Kafka topic syncd
// reads when STREAM_TRANSPORT=kafka.
package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/example/fleet-sync/internal/ingest"
	"github.com/example/fleet-sync/internal/logging"
)

type simDriver struct {
	id       string
	name     string
	lat, lng float64
	heading  float64
}

// step moves the driver roughly speed metres along a wandering heading.
func (d *simDriver) step(r *rand.Rand, speed float64) {
	d.heading += (r.Float64() - 0.5) * math.Pi / 4
	const metresPerDegree = 111_320.0
	d.lat += math.Cos(d.heading) * speed / metresPerDegree
	d.lng += math.Sin(d.heading) * speed / (metresPerDegree * math.Cos(d.lat*math.Pi/180))
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	var (
		brokers  string
		topic    string
		drivers  int
		interval time.Duration
		speed    float64
		lat, lng float64
		alertPct float64
		logLevel string
	)
	flagSet := pflag.NewFlagSet("fleetsim", pflag.ContinueOnError)
	flagSet.StringVar(&brokers, "brokers", envOr("KAFKA_BROKERS", "localhost:9092"), "comma separated kafka brokers")
	flagSet.StringVar(&topic, "topic", envOr("KAFKA_TOPIC", "fleet-events"), "topic to publish envelopes to")
	flagSet.IntVar(&drivers, "drivers", 5, "number of simulated drivers")
	flagSet.DurationVar(&interval, "interval", 2*time.Second, "time between position reports")
	flagSet.Float64Var(&speed, "speed", 40, "metres moved per report")
	flagSet.Float64Var(&lat, "lat", 1.3521, "starting latitude")
	flagSet.Float64Var(&lng, "lng", 103.8198, "starting longitude")
	flagSet.Float64Var(&alertPct, "alert-rate", 0.01, "chance per tick of publishing an idle alert")
	flagSet.StringVar(&logLevel, "log-level", "info", "log level")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if drivers <= 0 {
		return errors.New("--drivers must be > 0")
	}
	logger := logging.NewLogger(logLevel)

	var list []string
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			list = append(list, b)
		}
	}
	producer := ingest.NewKafkaProducer(list, topic)
	defer producer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	fleet := make([]*simDriver, drivers)
	for i := range fleet {
		fleet[i] = &simDriver{
			id:      fmt.Sprintf("sim-%03d", i+1),
			name:    fmt.Sprintf("Sim Driver %d", i+1),
			lat:     lat + (r.Float64()-0.5)*0.05,
			lng:     lng + (r.Float64()-0.5)*0.05,
			heading: r.Float64() * 2 * math.Pi,
		}
	}
	if err := producer.PublishFleetUpdate(ctx); err != nil {
		return fmt.Errorf("publish fleet update: %w", err)
	}
	logger.Info("fleetsim publishing", "topic", topic, "brokers", list, "drivers", drivers, "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("fleetsim stopped")
			return nil
		case <-ticker.C:
		}
		for _, d := range fleet {
			d.step(r, speed)
			if err := producer.PublishLocation(ctx, d.id, d.lat, d.lng, d.name); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				logger.Warn("publish location failed", "driver_id", d.id, "error", err)
			}
		}
		if r.Float64() < alertPct {
			d := fleet[r.Intn(len(fleet))]
			if err := producer.PublishAlert(ctx, fmt.Sprintf("%s idle for 20 minutes", d.name)); err != nil {
				logger.Warn("publish alert failed", "error", err)
			}
		}
	}
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
