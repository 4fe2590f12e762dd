package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
)

const (
	eventsMetric = "aero_webrtc_pair_events_total"
	stateMetric  = "aero_webrtc_pair_session_state"
)

// StateFunc reports the current session state name for the state gauge.
type StateFunc func() string

// PrometheusHandler exposes Metrics in Prometheus' text exposition format.
//
// Counters are a single metric with an `event` label. When state is non-nil
// the handler also emits a gauge set to 1 for the current session state.
func PrometheusHandler(m *Metrics, state StateFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m == nil {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		writeCounters(w, m.Snapshot())
		if state != nil {
			_, _ = fmt.Fprintf(w, "# HELP %s Current pairing session state.\n", stateMetric)
			_, _ = fmt.Fprintf(w, "# TYPE %s gauge\n", stateMetric)
			_, _ = fmt.Fprintf(w, "%s{state=\"%s\"} 1\n", stateMetric, escapeLabel(state()))
		}
	})
}

func writeCounters(w io.Writer, snap map[string]uint64) {
	keys := make([]string, 0, len(snap))
	for k := range snap {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	_, _ = fmt.Fprintf(w, "# HELP %s Internal event counters.\n", eventsMetric)
	_, _ = fmt.Fprintf(w, "# TYPE %s counter\n", eventsMetric)
	for _, k := range keys {
		_, _ = fmt.Fprintf(w, "%s{event=\"%s\"} %d\n", eventsMetric, escapeLabel(k), snap[k])
	}
}

var labelEscaper = strings.NewReplacer("\\", "\\\\", "\"", "\\\"", "\n", "\\n")

func escapeLabel(v string) string {
	return labelEscaper.Replace(v)
}
