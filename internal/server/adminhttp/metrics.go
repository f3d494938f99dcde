package adminhttp

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	"log/slog"
)

// customCollectors contains callbacks that return fully formatted Prometheus
// metric lines. Other packages can register lightweight metrics without
// introducing dependencies here.
var customCollectors []func() []string

// RegisterCustomCollector adds a collector whose returned lines are emitted
// on /metrics.
func RegisterCustomCollector(f func() []string) {
	customCollectors = append(customCollectors, f)
}

// prometheus serves a minimal Prometheus-compatible text endpoint. Scrapers
// get per-stream ingest counters keyed by reader label plus whatever the
// custom collectors contribute.
func (h *Handler) prometheus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	streams, err := h.st.ListStreams()
	if err != nil {
		slog.Error("metrics scrape failed", slog.Any("error", err))
		http.Error(w, "scrape failed", http.StatusInternalServerError)
		return
	}
	all, err := h.st.AllMetrics()
	if err != nil {
		slog.Error("metrics scrape failed", slog.Any("error", err))
		http.Error(w, "scrape failed", http.StatusInternalServerError)
		return
	}
	byStream := make(map[string]int, len(all))
	for i, m := range all {
		byStream[m.StreamID] = i
	}

	// Stable iteration order for readability
	sort.Slice(streams, func(i, j int) bool { return streams[i].StreamID < streams[j].StreamID })

	for _, s := range streams {
		label := fmt.Sprintf("{forwarder=\"%s\",reader=\"%s\"}",
			escapeLabel(s.ForwarderID), escapeLabel(s.ReaderKey))
		online := 0
		if s.Online {
			online = 1
		}
		fmt.Fprintf(w, "timer_stream_online%s %d\n", label, online)
		fmt.Fprintf(w, "timer_stream_epoch%s %d\n", label, s.Epoch)
		if i, ok := byStream[s.StreamID]; ok {
			m := all[i]
			fmt.Fprintf(w, "timer_reads_raw_total%s %d\n", label, m.RawCount)
			fmt.Fprintf(w, "timer_reads_dedup_total%s %d\n", label, m.DedupCount)
			fmt.Fprintf(w, "timer_reads_retransmit_total%s %d\n", label, m.RetransmitCount)
			fmt.Fprintf(w, "timer_reads_conflict_total%s %d\n", label, m.ConflictCount)
		}
	}
	fmt.Fprintf(w, "timer_streams_total %d\n", len(streams))
	fmt.Fprintf(w, "timer_receivers_online %d\n", h.relay.Hub().SubscriberCount())

	for _, f := range customCollectors {
		if f == nil {
			continue
		}
		for _, line := range f() {
			if line == "" {
				continue
			}
			fmt.Fprintln(w, line)
		}
	}
}

func escapeLabel(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "\n", "\\n")
	s = strings.ReplaceAll(s, "\"", "\\\"")
	return s
}
