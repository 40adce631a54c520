// internal/metrics/collector.go
package metrics

import (
	"context"
	"math/big"
	"time"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/fxswap/refuel/internal/events"
)

const namespace = "refuel"

// Collector owns the refuel metric vectors.
type Collector struct {
	refuels        *prometheus.CounterVec
	refuelDuration *prometheus.HistogramVec
	donationShare  *prometheus.GaugeVec
	donatedLP      *prometheus.CounterVec
	feesPaid       *prometheus.CounterVec
	feesWithdrawn  *prometheus.CounterVec
	deployments    prometheus.Counter
}

// NewCollector creates the vectors and registers them on reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		refuels: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "refuels_total",
				Help:      "Refuel attempts by outcome",
			},
			[]string{"instance", "outcome"},
		),
		refuelDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "refuel_duration_seconds",
				Help:      "Time spent in a refuel attempt including retries",
				Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
			},
			[]string{"instance"},
		),
		donationShare: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "donation_share_bps",
				Help:      "Last previewed donation share in basis points",
			},
			[]string{"instance"},
		),
		donatedLP: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "donated_lp_total",
				Help:      "LP tokens minted to the burn sink",
			},
			[]string{"instance"},
		),
		feesPaid: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fees_paid_total",
				Help:      "LP tokens paid as protocol fee",
			},
			[]string{"instance"},
		),
		feesWithdrawn: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fees_withdrawn_total",
				Help:      "Fee tokens withdrawn from the factory",
			},
			[]string{"token"},
		),
		deployments: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deployments_total",
				Help:      "Instances deployed by the factory",
			},
		),
	}

	reg.MustRegister(
		c.refuels,
		c.refuelDuration,
		c.donationShare,
		c.donatedLP,
		c.feesPaid,
		c.feesWithdrawn,
		c.deployments,
	)
	return c
}

// RecordRefuel counts one attempt and its duration.
func (c *Collector) RecordRefuel(ctx context.Context, instance, outcome string, duration time.Duration) {
	select {
	case <-ctx.Done():
		c.refuels.WithLabelValues(instance, "cancelled").Inc()
		return
	default:
	}
	c.refuels.WithLabelValues(instance, outcome).Inc()
	c.refuelDuration.WithLabelValues(instance).Observe(duration.Seconds())
}

func (c *Collector) SetDonationShare(instance string, bps uint64) {
	c.donationShare.WithLabelValues(instance).Set(float64(bps))
}

// Handle updates amount counters from committed records.
func (c *Collector) Handle(_ context.Context, event events.Event) error {
	switch ev := event.(type) {
	case *events.RefuelCompletedEvent:
		instance := ev.Source().Hex()
		c.donatedLP.WithLabelValues(instance).Add(toFloat(ev.DonatedLP))
		c.feesPaid.WithLabelValues(instance).Add(toFloat(ev.FeeAmount))
	case *events.FeesWithdrawnEvent:
		c.feesWithdrawn.WithLabelValues(ev.Token.Hex()).Add(toFloat(ev.Amount))
	case *events.DeploymentCreatedEvent:
		c.deployments.Inc()
	}
	return nil
}

func toFloat(v *uint256.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(v.ToBig()).Float64()
	return f
}
