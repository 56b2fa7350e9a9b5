// popgen writes synthetic edge cold-start latency into InfluxDB so popwatch
// can be exercised locally without real traffic. It occasionally injects
// latency regression episodes so detections and resolutions both fire.
package main

import (
	"context"
	"flag"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
)

type pop struct {
	code    string
	city    string
	country string
	tier    string
	baseMs  float64
}

var pops = []pop{
	{"lax", "Los Angeles", "US", "1", 18},
	{"sjc", "San Jose", "US", "1", 16},
	{"ord", "Chicago", "US", "1", 20},
	{"iad", "Ashburn", "US", "1", 15},
	{"mia", "Miami", "US", "2", 24},
	{"yyz", "Toronto", "CA", "2", 22},
	{"gru", "Sao Paulo", "BR", "2", 34},
	{"scl", "Santiago", "CL", "3", 40},
	{"lhr", "London", "GB", "1", 17},
	{"fra", "Frankfurt", "DE", "1", 16},
	{"ams", "Amsterdam", "NL", "1", 18},
	{"mad", "Madrid", "ES", "2", 25},
	{"waw", "Warsaw", "PL", "2", 28},
	{"jnb", "Johannesburg", "ZA", "3", 46},
	{"dxb", "Dubai", "AE", "2", 30},
	{"bom", "Mumbai", "IN", "2", 33},
	{"sin", "Singapore", "SG", "1", 21},
	{"nrt", "Tokyo", "JP", "1", 19},
	{"icn", "Seoul", "KR", "2", 22},
	{"syd", "Sydney", "AU", "2", 27},
}

var functions = []string{"edge-auth", "image-resize", "ab-router", "geo-redirect", "bot-score"}

const regressionFactor = 2.5

type episode struct {
	until time.Time
}

func main() {
	var (
		url      = flag.String("url", envOr("INFLUXDB_URL", "http://localhost:8086"), "InfluxDB URL")
		token    = flag.String("token", os.Getenv("INFLUXDB_TOKEN"), "InfluxDB token")
		org      = flag.String("org", envOr("INFLUXDB_ORG", "akamai"), "InfluxDB org")
		bucket   = flag.String("bucket", envOr("INFLUXDB_BUCKET", "edgeworker-metrics"), "InfluxDB bucket")
		interval = flag.Duration("interval", 5*time.Second, "write interval")
	)
	flag.Parse()

	client := influxdb2.NewClient(*url, *token)
	defer client.Close()
	writeAPI := client.WriteAPIBlocking(*org, *bucket)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	episodes := make(map[string]episode)
	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	log.Printf("popgen writing to %s bucket=%s pops=%d", *url, *bucket, len(pops))

	for {
		select {
		case <-ctx.Done():
			log.Println("popgen stopped")
			return
		case now := <-ticker.C:
			for _, p := range pops {
				value := p.baseMs * (0.8 + rand.Float64()*0.4)

				if ep, ok := episodes[p.code]; ok {
					if now.After(ep.until) {
						log.Printf("regression ended pop=%s", p.code)
						delete(episodes, p.code)
					} else {
						value *= regressionFactor
					}
				} else if rand.Float64() < 0.002 {
					dur := 5*time.Minute + time.Duration(rand.Int63n(int64(25*time.Minute)))
					episodes[p.code] = episode{until: now.Add(dur)}
					log.Printf("regression started pop=%s duration=%s", p.code, dur)
					value *= regressionFactor
				}

				point := influxdb2.NewPoint(
					"cold_start_metrics",
					map[string]string{
						"pop_code":      p.code,
						"city":          p.city,
						"country":       p.country,
						"tier":          p.tier,
						"function_name": functions[rand.Intn(len(functions))],
					},
					map[string]interface{}{"cold_start_time_ms": value},
					now,
				)
				if err := writeAPI.WritePoint(ctx, point); err != nil {
					log.Printf("write failed pop=%s: %v", p.code, err)
				}
			}
		}
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
