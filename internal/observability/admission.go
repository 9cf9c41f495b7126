package observability

import (
	"context"
	"gatekeeper/internal/concurrency"
	"gatekeeper/internal/models"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// AdmissionSources supplies the live values reported by the admission gauges.
// Nil fields are skipped.
type AdmissionSources struct {
	Concurrency     func() concurrency.Stats
	RateIdentifiers func() int
}

// AdmissionMetrics counts refused and reaped requests and exports the
// concurrency limiter state as gauges.
type AdmissionMetrics struct {
	rateLimited metric.Int64Counter
	rejected    metric.Int64Counter
	reaped      metric.Int64Counter

	registration metric.Registration
}

// NewAdmissionMetrics registers the admission instruments with mp. A nil mp
// uses the global meter provider.
func NewAdmissionMetrics(mp metric.MeterProvider, src AdmissionSources) (*AdmissionMetrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter("gatekeeper/admission")

	m := &AdmissionMetrics{}
	var err error

	m.rateLimited, err = meter.Int64Counter(
		"gatekeeper.ratelimit.rejected",
		metric.WithDescription("Requests refused by the rate limiter"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	m.rejected, err = meter.Int64Counter(
		"gatekeeper.concurrency.rejected",
		metric.WithDescription("Requests refused by the concurrency limiter"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	m.reaped, err = meter.Int64Counter(
		"gatekeeper.concurrency.reaped",
		metric.WithDescription("In-flight requests force-released by the reaper"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	active, err := meter.Int64ObservableGauge(
		"gatekeeper.concurrency.active",
		metric.WithDescription("Requests currently holding a concurrency slot"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	limit, err := meter.Int64ObservableGauge(
		"gatekeeper.concurrency.limit",
		metric.WithDescription("Configured concurrency limit"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	identifiers, err := meter.Int64ObservableGauge(
		"gatekeeper.ratelimit.identifiers",
		metric.WithDescription("Identifiers tracked by the rate limiter"),
		metric.WithUnit("{identifier}"),
	)
	if err != nil {
		return nil, err
	}

	m.registration, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		if src.Concurrency != nil {
			stats := src.Concurrency()
			global := metric.WithAttributes(attribute.String("scope", "global"))
			o.ObserveInt64(active, int64(stats.GlobalActive), global)
			o.ObserveInt64(limit, int64(stats.GlobalLimit), global)
			for endpoint, ep := range stats.PerEndpoint {
				attrs := metric.WithAttributes(
					attribute.String("scope", "endpoint"),
					attribute.String("endpoint", endpoint),
				)
				o.ObserveInt64(active, int64(ep.Active), attrs)
				o.ObserveInt64(limit, int64(ep.Limit), attrs)
			}
		}
		if src.RateIdentifiers != nil {
			o.ObserveInt64(identifiers, int64(src.RateIdentifiers()))
		}
		return nil
	}, active, limit, identifiers)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RateLimited records a rate limit rejection. Its signature matches
// ratelimit.OnLimited, which passes the limit table entry rather than the
// request path.
func (m *AdmissionMetrics) RateLimited(r *http.Request, endpoint string) {
	m.rateLimited.Add(r.Context(), 1, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

// ConcurrencyRejected records a concurrency rejection. Its signature matches
// concurrency.OnReject.
func (m *AdmissionMetrics) ConcurrencyRejected(r *http.Request, rejected *concurrency.RejectedError) {
	endpoint := rejected.LimitKey
	if endpoint == "" {
		endpoint = models.DefaultEndpoint
	}
	m.rejected.Add(r.Context(), 1, metric.WithAttributes(
		attribute.String("endpoint", endpoint),
		attribute.String("reason", string(rejected.Reason)),
	))
}

// Reaped records force-released requests. Its signature matches
// concurrency.OnReap.
func (m *AdmissionMetrics) Reaped(n int) {
	m.reaped.Add(context.Background(), int64(n))
}

// Unregister stops the gauge callback.
func (m *AdmissionMetrics) Unregister() error {
	if m.registration == nil {
		return nil
	}
	return m.registration.Unregister()
}
