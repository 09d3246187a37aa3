// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metric

import (
	"io"
	"strings"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

// ExportOptions control Prometheus exposition.
type ExportOptions struct {
	// ExporterPrefix is prepended to all metric names.
	ExporterPrefix string

	// ExtraLabels are added to every exported sample.
	ExtraLabels map[string]string
}

// PrometheusName converts a metric name such as "/mm/page_faults" into a
// valid Prometheus metric name.
func PrometheusName(prefix, name string) string {
	name = strings.TrimPrefix(name, "/")
	name = strings.NewReplacer("/", "_", "-", "_", ".", "_").Replace(name)
	return prefix + name
}

// toMetricFamily converts a snapshot into its Prometheus representation.
func toMetricFamily(s Snapshot, opts ExportOptions) *dto.MetricFamily {
	typ := dto.MetricType_GAUGE
	if s.Cumulative {
		typ = dto.MetricType_COUNTER
	}
	mf := &dto.MetricFamily{
		Name: stringPtr(PrometheusName(opts.ExporterPrefix, s.Name)),
		Help: stringPtr(s.Description),
		Type: typ.Enum(),
	}
	for _, fv := range s.Values {
		m := &dto.Metric{}
		for i, name := range s.FieldNames {
			m.Label = append(m.Label, &dto.LabelPair{Name: stringPtr(name), Value: stringPtr(fv.Fields[i])})
		}
		for name, value := range opts.ExtraLabels {
			m.Label = append(m.Label, &dto.LabelPair{Name: stringPtr(name), Value: stringPtr(value)})
		}
		v := float64(fv.Value)
		if s.Cumulative {
			m.Counter = &dto.Counter{Value: &v}
		} else {
			m.Gauge = &dto.Gauge{Value: &v}
		}
		mf.Metric = append(mf.Metric, m)
	}
	return mf
}

// WritePrometheus writes every registered metric to w in the Prometheus text
// exposition format. It returns the number of bytes written.
func WritePrometheus(w io.Writer, opts ExportOptions) (int, error) {
	total := 0
	for _, s := range GetSnapshot() {
		n, err := expfmt.MetricFamilyToText(w, toMetricFamily(s, opts))
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func stringPtr(s string) *string {
	return &s
}
