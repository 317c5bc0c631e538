// Command loadgen pushes synthetic samples to a tinyrollup server so the
// rollup tiers, the stream and the stats endpoints have something to show.
package main

import (
	"context"
	"fmt"
	"log"
	"math"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/nicktill/tinyrollup/pkg/client"
	"github.com/nicktill/tinyrollup/pkg/metrics"
)

type options struct {
	endpoint string
	apiKey   string
	series   int
	every    time.Duration
	duration time.Duration
	batch    int
}

func parseOptions(args []string) (*options, error) {
	o := &options{}
	fs := flag.NewFlagSet("loadgen", flag.ContinueOnError)
	fs.StringVarP(&o.endpoint, "endpoint", "e", client.DefaultEndpoint, "ingest endpoint")
	fs.StringVar(&o.apiKey, "api-key", "", "bearer token sent with each request")
	fs.IntVarP(&o.series, "series", "n", 20, "number of distinct series to generate")
	fs.DurationVarP(&o.every, "interval", "i", time.Second, "time between samples for each series")
	fs.DurationVarP(&o.duration, "duration", "d", 0, "stop after this long (0 runs until interrupted)")
	fs.IntVar(&o.batch, "batch", 500, "maximum samples per request")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if o.series <= 0 {
		return nil, fmt.Errorf("--series must be positive")
	}
	if o.every <= 0 {
		return nil, fmt.Errorf("--interval must be positive")
	}
	return o, nil
}

var endpoints = []string{"/api/users", "/api/orders", "/api/products"}

// generate returns one sample per series at tick. Latency follows a slow
// sine per endpoint with some noise; queue depth ramps and resets.
func generate(rng *rand.Rand, series, tick int, now time.Time) []metrics.Metric {
	out := make([]metrics.Metric, 0, series)
	for i := 0; i < series; i++ {
		ep := endpoints[i%len(endpoints)]
		instance := fmt.Sprintf("web-%d", i/len(endpoints))

		if i%2 == 0 {
			base := 50 + 30*math.Sin(float64(tick+i)/30)
			out = append(out, metrics.Metric{
				Name:      "http_request_duration_ms",
				Type:      metrics.HistogramType,
				Value:     base + rng.Float64()*20,
				Labels:    map[string]string{"endpoint": ep, "instance": instance},
				Timestamp: now,
			})
			continue
		}
		out = append(out, metrics.Metric{
			Name:      "queue_depth",
			Type:      metrics.GaugeType,
			Value:     float64((tick + i) % 20),
			Labels:    map[string]string{"endpoint": ep, "instance": instance},
			Timestamp: now,
		})
	}
	return out
}

func main() {
	o, err := parseOptions(os.Args[1:])
	if err != nil {
		if err == flag.ErrHelp {
			os.Exit(0)
		}
		log.Fatalf("Invalid flags: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if o.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.duration)
		defer cancel()
	}

	batcher := client.NewBatcher(client.NewHTTP(o.endpoint, o.apiKey), client.Config{
		MaxBatchSize: o.batch,
		FlushEvery:   time.Second,
	})
	batcher.Start(ctx)

	log.Printf("Generating %d series every %v against %s", o.series, o.every, o.endpoint)

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	ticker := time.NewTicker(o.every)
	defer ticker.Stop()

	tick := 0
	for {
		select {
		case <-ctx.Done():
			if err := batcher.Stop(); err != nil {
				log.Printf("Final flush failed: %v", err)
			}
			sent, rejected, failed := batcher.Stats()
			log.Printf("Load generator stopped: %d accepted, %d rejected, %d failed", sent, rejected, failed)
			return
		case now := <-ticker.C:
			for _, m := range generate(rng, o.series, tick, now) {
				batcher.Add(m)
			}
			tick++
			if tick%30 == 0 {
				sent, rejected, failed := batcher.Stats()
				log.Printf("Progress: %d accepted, %d rejected, %d failed", sent, rejected, failed)
			}
		}
	}
}
