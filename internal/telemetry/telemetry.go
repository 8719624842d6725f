// Package telemetry renders queue and delivery statistics in the Prometheus
// text exposition format.
//
// Nothing is pushed anywhere. The daemon serves the exposition locally on
// request.
package telemetry

import (
	"context"
	"io"
	"sort"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"

	"github.com/kimhsiao/courier/internal/courier"
	"github.com/kimhsiao/courier/internal/delivery"
)

// Metric names.
const (
	MetricPending   = "courier_queue_pending_entries"
	MetricOldestAge = "courier_queue_oldest_pending_age_seconds"
	MetricAttempts  = "courier_delivery_attempts_total"
	MetricPasses    = "courier_delivery_drain_passes_total"
	MetricDraining  = "courier_delivery_draining"
	MetricBreaker   = "courier_delivery_breaker_state"
)

const (
	labelOutcome = "outcome"
	labelState   = "state"
)

// breakerStates are the states a circuit breaker reports.
var breakerStates = []string{"closed", "half-open", "open"}

// ContentType is the Content-Type of the exposition.
var ContentType = string(expfmt.NewFormat(expfmt.TypeTextPlain))

// Snapshot is the set of values exported at one instant.
type Snapshot struct {
	Stats    courier.Stats
	Counts   delivery.Counts
	Draining bool

	// Breaker is the circuit breaker state; "" or "disabled" omits it.
	Breaker string
}

// Source is implemented by *courier.Courier.
type Source interface {
	Stats(ctx context.Context) (courier.Stats, error)
	Counts() delivery.Counts
	Draining() bool
	BreakerState() string
}

// Collect reads a snapshot from src.
func Collect(ctx context.Context, src Source) (Snapshot, error) {
	stats, err := src.Stats(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		Stats:    stats,
		Counts:   src.Counts(),
		Draining: src.Draining(),
		Breaker:  src.BreakerState(),
	}, nil
}

// Families converts s to metric families sorted by name. The oldest-age
// gauge is omitted when the queue is empty, the breaker gauge when there is
// no breaker.
func Families(s Snapshot) []*dto.MetricFamily {
	families := make([]*dto.MetricFamily, 0, 6)

	families = append(families,
		gauge(MetricPending, "Number of events waiting for delivery.", float64(s.Stats.PendingCount)),
		gauge(MetricDraining, "1 while a drain pass is requested or running.", boolValue(s.Draining)),
		&dto.MetricFamily{
			Name: proto.String(MetricAttempts),
			Help: proto.String("Delivery attempts by classified outcome."),
			Type: dto.MetricType_COUNTER.Enum(),
			Metric: []*dto.Metric{
				outcomeCounter(delivery.Success, s.Counts.Success),
				outcomeCounter(delivery.Duplicate, s.Counts.Duplicate),
				outcomeCounter(delivery.Retry, s.Counts.Retry),
				outcomeCounter(delivery.PermanentFailure, s.Counts.PermanentFailure),
			},
		},
		&dto.MetricFamily{
			Name: proto.String(MetricPasses),
			Help: proto.String("Completed drain passes."),
			Type: dto.MetricType_COUNTER.Enum(),
			Metric: []*dto.Metric{{
				Counter: &dto.Counter{Value: proto.Float64(float64(s.Counts.Passes))},
			}},
		},
	)

	if age := s.Stats.OldestPendingAgeSeconds; age != nil {
		families = append(families,
			gauge(MetricOldestAge, "Age of the oldest undelivered event.", float64(*age)))
	}

	if s.Breaker != "" && s.Breaker != "disabled" {
		mf := &dto.MetricFamily{
			Name: proto.String(MetricBreaker),
			Help: proto.String("1 for the current circuit breaker state."),
			Type: dto.MetricType_GAUGE.Enum(),
		}
		for _, state := range breakerStates {
			mf.Metric = append(mf.Metric, &dto.Metric{
				Label: []*dto.LabelPair{{
					Name:  proto.String(labelState),
					Value: proto.String(state),
				}},
				Gauge: &dto.Gauge{Value: proto.Float64(boolValue(state == s.Breaker))},
			})
		}
		families = append(families, mf)
	}

	sort.Slice(families, func(i, j int) bool {
		return families[i].GetName() < families[j].GetName()
	})
	return families
}

// Write renders s to w in the text exposition format.
func Write(w io.Writer, s Snapshot) error {
	for _, mf := range Families(s) {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}

func gauge(name, help string, v float64) *dto.MetricFamily {
	return &dto.MetricFamily{
		Name: proto.String(name),
		Help: proto.String(help),
		Type: dto.MetricType_GAUGE.Enum(),
		Metric: []*dto.Metric{{
			Gauge: &dto.Gauge{Value: proto.Float64(v)},
		}},
	}
}

func outcomeCounter(o delivery.Outcome, n uint64) *dto.Metric {
	return &dto.Metric{
		Label: []*dto.LabelPair{{
			Name:  proto.String(labelOutcome),
			Value: proto.String(o.String()),
		}},
		Counter: &dto.Counter{Value: proto.Float64(float64(n))},
	}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
