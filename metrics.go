package main

import (
	"fmt"
	"net/http"
	"net/http/pprof"
	"sync"
	"time"
)

// ───────── Metrics (Prometheus exposition) ─────────

type Metrics struct {
	mu sync.Mutex

	reqTotalByCode map[int]uint64
	inflight       int
	queueDepth     int

	start time.Time
}

func NewMetrics() *Metrics {
	return &Metrics{
		reqTotalByCode: make(map[int]uint64, 8),
		start:          time.Now(),
	}
}

func (m *Metrics) RecordRequest(code int) {
	m.mu.Lock()
	m.reqTotalByCode[code]++
	m.mu.Unlock()
}

func (m *Metrics) AddInflight(d int) {
	m.mu.Lock()
	m.inflight += d
	m.mu.Unlock()
}

func (m *Metrics) Inflight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inflight
}

func (m *Metrics) SetQueueDepth(d int) {
	m.mu.Lock()
	m.queueDepth = d
	m.mu.Unlock()
}

func (m *Metrics) CountByCode(code int) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reqTotalByCode[code]
}

// ───────── Embedded metrics server ─────────

func startMetrics(addr string, m *Metrics, stats *runStats) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		s := stats.snapshot()
		m.mu.Lock()
		defer m.mu.Unlock()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		fmt.Fprintf(w, "# HELP harvest_http_requests_total Total API requests\n")
		fmt.Fprintf(w, "# TYPE harvest_http_requests_total counter\n")
		for code, n := range m.reqTotalByCode {
			fmt.Fprintf(w, "harvest_http_requests_total{code=\"%d\"} %d\n", code, n)
		}
		fmt.Fprintf(w, "# HELP harvest_queue_depth Combinations waiting in queue\n# TYPE harvest_queue_depth gauge\nharvest_queue_depth %d\n", m.queueDepth)
		fmt.Fprintf(w, "# HELP harvest_inflight Current in-flight fetches\n# TYPE harvest_inflight gauge\nharvest_inflight %d\n", m.inflight)
		fmt.Fprintf(w, "# HELP harvest_combinations_total Combinations processed\n# TYPE harvest_combinations_total counter\nharvest_combinations_total %d\n", s.Processed)
		fmt.Fprintf(w, "# HELP harvest_rows_written_total Rows appended to the sink\n# TYPE harvest_rows_written_total counter\nharvest_rows_written_total %d\n", s.Written)
		fmt.Fprintf(w, "# HELP harvest_errors_total Failures by kind\n# TYPE harvest_errors_total counter\n")
		fmt.Fprintf(w, "harvest_errors_total{type=\"fetch\"} %d\n", s.FetchErrors)
		fmt.Fprintf(w, "harvest_errors_total{type=\"format\"} %d\n", s.FormatErrors)
		fmt.Fprintf(w, "harvest_errors_total{type=\"auth\"} %d\n", s.AuthFailures)
		fmt.Fprintf(w, "harvest_errors_total{type=\"not_found\"} %d\n", s.NotFound)
	})

	// pprof
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	go func() {
		_ = http.ListenAndServe(addr, mux)
	}()
}
