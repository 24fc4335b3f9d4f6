package metrics

import (
	dto "github.com/prometheus/client_model/go"
)

// Sum gathers the registry and adds up every counter or gauge value (or
// histogram sample count) of the named family whose labels include all of
// match. It returns 0 when the family has no samples.
func (m *Metrics) Sum(name string, match map[string]string) float64 {
	families, err := m.Registry.Gather()
	if err != nil {
		return 0
	}
	var total float64
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			if !labelsMatch(metric.GetLabel(), match) {
				continue
			}
			switch f.GetType() {
			case dto.MetricType_COUNTER:
				total += metric.GetCounter().GetValue()
			case dto.MetricType_GAUGE:
				total += metric.GetGauge().GetValue()
			case dto.MetricType_HISTOGRAM:
				total += float64(metric.GetHistogram().GetSampleCount())
			}
		}
	}
	return total
}

func labelsMatch(pairs []*dto.LabelPair, match map[string]string) bool {
	for k, want := range match {
		found := false
		for _, lp := range pairs {
			if lp.GetName() == k {
				found = lp.GetValue() == want
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
