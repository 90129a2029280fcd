package telemetry

import (
	"context"
	"math"

	pdnerrors "github.com/veilmesh/pdn/pkg/errors"
)

// Labels identify a metric series. Keys and values are validated at the
// call site wrappers below so a DID or record path passed by mistake
// cannot explode series cardinality with arbitrary bytes.
type Labels map[string]string

const (
	maxLabelPairs = 16
	maxLabelLen   = 128
)

// Meter is the metrics sink an agent or node reports into. Backends
// (Prometheus, statsd, a test recorder) live outside this module; the
// default is to drop everything.
type Meter interface {
	IncCounter(ctx context.Context, name string, delta int64, labels Labels) error
	SetGauge(ctx context.Context, name string, value float64, labels Labels) error
}

// NopMeter drops all measurements.
type NopMeter struct{}

func (NopMeter) IncCounter(ctx context.Context, name string, delta int64, labels Labels) error {
	return nil
}

func (NopMeter) SetGauge(ctx context.Context, name string, value float64, labels Labels) error {
	return nil
}

// IncCounter validates and forwards a counter increment. Deltas must be
// non-negative; counters only move forward.
func IncCounter(m Meter, ctx context.Context, name string, delta int64, labels Labels) error {
	if m == nil {
		return nil
	}
	if err := validateMetricName(name); err != nil {
		return err
	}
	if delta < 0 {
		return pdnerrors.New(pdnerrors.BadRequest, "counter %q delta %d is negative", name, delta)
	}
	if err := validateLabels(labels); err != nil {
		return err
	}
	return m.IncCounter(ctx, name, delta, labels)
}

// SetGauge validates and forwards a gauge observation.
func SetGauge(m Meter, ctx context.Context, name string, value float64, labels Labels) error {
	if m == nil {
		return nil
	}
	if err := validateMetricName(name); err != nil {
		return err
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return pdnerrors.New(pdnerrors.BadRequest, "gauge %q value is not finite", name)
	}
	if err := validateLabels(labels); err != nil {
		return err
	}
	return m.SetGauge(ctx, name, value, labels)
}

// validateMetricName enforces [a-z_][a-z0-9_]*, the least common
// denominator across metric backends.
func validateMetricName(name string) error {
	if name == "" || len(name) > maxLabelLen {
		return pdnerrors.New(pdnerrors.BadRequest, "metric name %q out of bounds", name)
	}
	for i, r := range name {
		if r == '_' || (r >= 'a' && r <= 'z') {
			continue
		}
		if i > 0 && r >= '0' && r <= '9' {
			continue
		}
		return pdnerrors.New(pdnerrors.BadRequest, "metric name %q has invalid character %q", name, r)
	}
	return nil
}

func validateLabels(labels Labels) error {
	if len(labels) > maxLabelPairs {
		return pdnerrors.New(pdnerrors.BadRequest, "too many labels (%d)", len(labels))
	}
	for k, v := range labels {
		if err := validateMetricName(k); err != nil {
			return err
		}
		if len(v) == 0 || len(v) > maxLabelLen {
			return pdnerrors.New(pdnerrors.BadRequest, "label %q value out of bounds", k)
		}
	}
	return nil
}
