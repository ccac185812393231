// Copyright 2024 The Relaygate Authors
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

package relaygate

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics collects the counters/gauges exposed for this process,
// grounded directly on the teacher's metrics.go initAdminMetrics
// pattern (promauto.NewCounterVec under a namespace/subsystem pair),
// renamespaced from "caddy"/"admin_http" to this domain's sessions,
// ports, and admin endpoints.
var metrics = struct {
	adminRequests  *prometheus.CounterVec
	sessionsOpened *prometheus.CounterVec
	sessionsFailed *prometheus.CounterVec
	bytesUp        *prometheus.CounterVec
	bytesDown      *prometheus.CounterVec
	activePorts    prometheus.Gauge
	certsManaged   prometheus.Gauge
	acceptStalls   *prometheus.CounterVec
}{}

func init() {
	initMetrics()
	prometheus.MustRegister(prometheus.NewBuildInfoCollector())
}

func initMetrics() {
	const ns = "relaygate"

	metrics.adminRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Subsystem: "admin_http",
		Name:      "requests_total",
		Help:      "Counter of requests made to admin endpoints.",
	}, []string{"path", "method", "code"})

	metrics.sessionsOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Subsystem: "sessions",
		Name:      "opened_total",
		Help:      "Counter of sessions accepted, by port.",
	}, []string{"port"})

	metrics.sessionsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Subsystem: "sessions",
		Name:      "failed_total",
		Help:      "Counter of sessions that ended in failure, by stage.",
	}, []string{"stage"})

	metrics.bytesUp = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Subsystem: "sessions",
		Name:      "bytes_upstream_total",
		Help:      "Bytes copied from client to upstream, by port.",
	}, []string{"port"})

	metrics.bytesDown = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Subsystem: "sessions",
		Name:      "bytes_downstream_total",
		Help:      "Bytes copied from upstream to client, by port.",
	}, []string{"port"})

	metrics.activePorts = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: ns,
		Subsystem: "ports",
		Name:      "active",
		Help:      "Number of Port listeners currently bound.",
	})

	metrics.certsManaged = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: ns,
		Subsystem: "certs",
		Name:      "managed",
		Help:      "Number of certificates currently held by the certificate store.",
	})

	metrics.acceptStalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Subsystem: "ports",
		Name:      "accept_stalled_total",
		Help:      "Counter of accept-loop backpressure events, by port and reason.",
	}, []string{"port", "reason"})
}
