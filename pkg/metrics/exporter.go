package metrics

import (
	"bytes"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// State is a point-in-time view of the coordinator, rendered as gauges.
type State struct {
	TestsByStatus   map[string]int
	WorkersByHealth map[string]int
	ActiveTasks     int
	AbandonedTasks  int
}

// Exporter serves /metrics: coordinator state gauges written directly,
// followed by everything in the registry.
type Exporter struct {
	gatherer  prometheus.Gatherer
	state     func() State
	startTime time.Time
}

// NewExporter creates an exporter. state may be nil.
func NewExporter(gatherer prometheus.Gatherer, state func() State) *Exporter {
	return &Exporter{gatherer: gatherer, state: state, startTime: time.Now()}
}

// ServeHTTP serves Prometheus-compatible metrics
func (e *Exporter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	format := expfmt.NewFormat(expfmt.TypeTextPlain)
	w.Header().Set("Content-Type", string(format))

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "# HELP fishtest_coordinator_uptime_seconds Time since the coordinator started\n")
	fmt.Fprintf(&buf, "# TYPE fishtest_coordinator_uptime_seconds gauge\n")
	fmt.Fprintf(&buf, "fishtest_coordinator_uptime_seconds %d\n", int64(time.Since(e.startTime).Seconds()))

	if e.state != nil {
		st := e.state()
		writeLabelled(&buf, "fishtest_tests", "Tests by status", "status", st.TestsByStatus)
		writeLabelled(&buf, "fishtest_workers", "Connected workers by health", "health", st.WorkersByHealth)

		fmt.Fprintf(&buf, "# HELP fishtest_tasks_active Tasks currently held by workers\n")
		fmt.Fprintf(&buf, "# TYPE fishtest_tasks_active gauge\n")
		fmt.Fprintf(&buf, "fishtest_tasks_active %d\n", st.ActiveTasks)
		fmt.Fprintf(&buf, "# HELP fishtest_tasks_abandoned Tasks waiting to be reissued\n")
		fmt.Fprintf(&buf, "# TYPE fishtest_tasks_abandoned gauge\n")
		fmt.Fprintf(&buf, "fishtest_tasks_abandoned %d\n", st.AbandonedTasks)
	}

	families, err := e.gatherer.Gather()
	if err != nil {
		fmt.Fprintf(&buf, "# Error gathering metrics: %v\n", err)
	}
	enc := expfmt.NewEncoder(&buf, format)
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			fmt.Fprintf(&buf, "# Error encoding %s: %v\n", mf.GetName(), err)
		}
	}

	w.Write(buf.Bytes())
}

func writeLabelled(buf *bytes.Buffer, name, help, label string, values map[string]int) {
	fmt.Fprintf(buf, "# HELP %s %s\n", name, help)
	fmt.Fprintf(buf, "# TYPE %s gauge\n", name)
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(buf, "%s{%s=%q} %d\n", name, label, k, values[k])
	}
}
