// Package metrics aggregates delivery counters in memory and publishes them to
// CloudWatch with PutMetricData.
package metrics

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/rs/zerolog/log"

	"github.com/imrishuroy/go-hd-delivery/internal/aws"
)

// maxDatumsPerCall is the PutMetricData limit per request.
const maxDatumsPerCall = 1000

// Counter records occurrences of named events.
type Counter interface {
	Incr(name string)
}

// Nop discards everything.
type Nop struct{}

func (Nop) Incr(string) {}

// Recorder buffers counts and flushes them to CloudWatch. It is safe for
// concurrent use.
type Recorder struct {
	client    aws.CloudWatchAPI
	namespace string
	nowFunc   func() time.Time

	mu     sync.Mutex
	counts map[string]float64
}

// NewRecorder returns a Recorder publishing into namespace.
func NewRecorder(client aws.CloudWatchAPI, namespace string) *Recorder {
	return &Recorder{
		client:    client,
		namespace: namespace,
		nowFunc:   time.Now,
		counts:    make(map[string]float64),
	}
}

// Incr adds one to the named counter.
func (r *Recorder) Incr(name string) {
	r.mu.Lock()
	r.counts[name]++
	r.mu.Unlock()
}

// Flush publishes and resets the buffered counts. On failure the counts are
// merged back so the next flush retries them.
func (r *Recorder) Flush(ctx context.Context) error {
	r.mu.Lock()
	pending := r.counts
	r.counts = make(map[string]float64)
	r.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	names := make([]string, 0, len(pending))
	for name := range pending {
		names = append(names, name)
	}
	sort.Strings(names)

	now := r.nowFunc()
	data := make([]cwtypes.MetricDatum, 0, len(names))
	for _, name := range names {
		data = append(data, cwtypes.MetricDatum{
			MetricName: sdkaws.String(name),
			Unit:       cwtypes.StandardUnitCount,
			Value:      sdkaws.Float64(pending[name]),
			Timestamp:  sdkaws.Time(now),
		})
	}

	for start := 0; start < len(data); start += maxDatumsPerCall {
		end := start + maxDatumsPerCall
		if end > len(data) {
			end = len(data)
		}
		_, err := r.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
			Namespace:  sdkaws.String(r.namespace),
			MetricData: data[start:end],
		})
		if err != nil {
			r.restore(pending, names[start:])
			return fmt.Errorf("put metric data: %w", err)
		}
	}
	return nil
}

func (r *Recorder) restore(pending map[string]float64, names []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range names {
		r.counts[name] += pending[name]
	}
}

// Run flushes every interval until ctx is done, then flushes once more.
func (r *Recorder) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := r.Flush(flushCtx); err != nil {
				log.Warn().Err(err).Msg("Final metrics flush failed")
			}
			cancel()
			return
		case <-ticker.C:
			if err := r.Flush(ctx); err != nil {
				log.Warn().Err(err).Str("namespace", r.namespace).Msg("Metrics flush failed")
			}
		}
	}
}
