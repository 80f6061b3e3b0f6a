// Copyright 2024 Stratum Authors
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

package pool

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "stratum"
	subsystem = "pool"
)

// Describe implements prometheus.Collector.
func (p *Pool) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(p, ch)
}

// Collect implements prometheus.Collector.
func (p *Pool) Collect(ch chan<- prometheus.Metric) {
	p.mu.Lock()

	byState := map[State]int{}
	var backlog int
	for _, c := range p.conns {
		byState[c.State()]++
		backlog += c.Backlog()
	}

	dedicated := p.dedicated

	p.mu.Unlock()

	for _, s := range []State{Connecting, Ready, Busy, Closing} {
		ch <- prometheus.MustNewConstMetric(
			prometheus.NewDesc(
				prometheus.BuildFQName(namespace, subsystem, "connections"),
				"The number of pooled connections by state.",
				nil, prometheus.Labels{"state": s.String()},
			),
			prometheus.GaugeValue,
			float64(byState[s]),
		)
	}

	ch <- prometheus.MustNewConstMetric(
		prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "dedicated_connections"),
			"The number of dedicated connections.",
			nil, nil,
		),
		prometheus.GaugeValue,
		float64(dedicated),
	)

	ch <- prometheus.MustNewConstMetric(
		prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "backlog"),
			"The total number of requests queued or in flight.",
			nil, nil,
		),
		prometheus.GaugeValue,
		float64(backlog),
	)

	ch <- prometheus.MustNewConstMetric(
		prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "waiters"),
			"The number of callers waiting for a connection slot.",
			nil, nil,
		),
		prometheus.GaugeValue,
		float64(p.wl.len()),
	)
}

// check interfaces
var (
	_ prometheus.Collector = (*Pool)(nil)
)
