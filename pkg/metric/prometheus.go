// Copyright 2023 The gVisor Authors.
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
	"sort"
	"strings"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
)

// NamePrefix is prepended to every exported metric name.
const NamePrefix = "kfutex"

// PrometheusName converts a slash-separated metric name to its Prometheus
// form, e.g. /futex/ops becomes kfutex_futex_ops.
func PrometheusName(name string) string {
	return NamePrefix + strings.ReplaceAll(name, "/", "_")
}

// family converts a snapshot into a Prometheus counter family.
func (s Snapshot) family() *dto.MetricFamily {
	mf := &dto.MetricFamily{
		Name: proto.String(PrometheusName(s.Name)),
		Help: proto.String(s.Description),
		Type: dto.MetricType_COUNTER.Enum(),
	}
	for _, p := range s.Points {
		m := &dto.Metric{
			Counter: &dto.Counter{Value: proto.Float64(float64(p.Value))},
		}
		names := make([]string, 0, len(p.Fields))
		for name := range p.Fields {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			m.Label = append(m.Label, &dto.LabelPair{
				Name:  proto.String(name),
				Value: proto.String(p.Fields[name]),
			})
		}
		mf.Metric = append(mf.Metric, m)
	}
	return mf
}

// WritePrometheus writes all registered metrics to w in the Prometheus text
// exposition format.
func WritePrometheus(w io.Writer) error {
	enc := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, s := range Snapshots() {
		if err := enc.Encode(s.family()); err != nil {
			return err
		}
	}
	return nil
}
