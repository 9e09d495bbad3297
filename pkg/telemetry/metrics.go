package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricEventsProcessedTotal    = "backtest_events_processed_total"
	MetricFillsTotal              = "backtest_fills_total"
	MetricRowsDroppedTotal        = "backtest_rows_dropped_total"
	MetricSecurityDurationSeconds = "backtest_security_duration_seconds"
	MetricPosition                = "backtest_position"
	MetricRealizedPnL             = "backtest_realized_pnl"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	Position    metric.Float64ObservableGauge
	RealizedPnL metric.Float64ObservableGauge

	// State for observable gauges
	mu             sync.RWMutex
	positionMap    map[string]float64
	realizedPnLMap map[string]float64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			positionMap:    make(map[string]float64),
			realizedPnLMap: make(map[string]float64),
		}
		// Initialization of instruments happens in InitMetrics
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.Position, err = meter.Float64ObservableGauge(MetricPosition, metric.WithDescription("Current simulated net position"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sec, val := range m.positionMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("security", sec)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.RealizedPnL, err = meter.Float64ObservableGauge(MetricRealizedPnL, metric.WithDescription("Cumulative realized profit/loss"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sec, val := range m.realizedPnLMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("security", sec)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// Helpers to update observable state

func (m *MetricsHolder) SetPosition(security string, size float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positionMap[security] = size
}

func (m *MetricsHolder) SetRealizedPnL(security string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.realizedPnLMap[security] = value
}

func (m *MetricsHolder) GetPosition() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]float64)
	for k, v := range m.positionMap {
		res[k] = v
	}
	return res
}

func (m *MetricsHolder) GetRealizedPnL() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]float64)
	for k, v := range m.realizedPnLMap {
		res[k] = v
	}
	return res
}
