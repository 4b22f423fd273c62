package metrics

import (
	"strings"

	dto "github.com/prometheus/client_model/go"
)

// Snapshot gathers the gateway collectors and returns one value per metric
// family, summed across label values, keyed by the name without namespace.
// Runtime collectors are left out.
func Snapshot() (map[string]float64, error) {
	families, err := Registry.Gather()
	if err != nil {
		return nil, err
	}

	out := make(map[string]float64)
	prefix := namespace + "_"
	for _, family := range families {
		name := family.GetName()
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		var total float64
		for _, m := range family.GetMetric() {
			total += metricValue(family.GetType(), m)
		}
		out[strings.TrimPrefix(name, prefix)] = total
	}
	return out, nil
}

func metricValue(kind dto.MetricType, m *dto.Metric) float64 {
	switch kind {
	case dto.MetricType_COUNTER:
		return m.GetCounter().GetValue()
	case dto.MetricType_GAUGE:
		return m.GetGauge().GetValue()
	case dto.MetricType_UNTYPED:
		return m.GetUntyped().GetValue()
	default:
		return 0
	}
}
