package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ───────── Work queue ─────────

// workItem is one (product, store) combination. Immutable once enqueued;
// consumed exactly once; never re-enqueued on failure.
type workItem struct {
	product Product
	store   Store
}

// buildQueue fills and closes a channel with the full cross-product. Workers
// range over it, so each item is dequeued exactly once and workers exit
// cooperatively when the channel drains.
func buildQueue(products []Product, stores []Store) chan workItem {
	q := make(chan workItem, len(products)*len(stores))
	for _, p := range products {
		for _, s := range stores {
			q <- workItem{product: p, store: s}
		}
	}
	close(q)
	return q
}

// ───────── Per-worker rate window ─────────

// rateWindow bounds one worker to limit requests per rolling minute by
// tracking the timestamps of its last `limit` requests. Windows are per
// worker; the aggregate rate is workers × limit per minute.
type rateWindow struct {
	limit int
	times []time.Time
	now   func() time.Time
	sleep func(time.Duration)
}

func newRateWindow(limit int) *rateWindow {
	return &rateWindow{
		limit: limit,
		times: make([]time.Time, 0, limit),
		now:   time.Now,
		sleep: time.Sleep,
	}
}

// pace blocks until issuing one more request stays within the window.
func (w *rateWindow) pace() {
	if len(w.times) < w.limit {
		return
	}
	since := w.now().Sub(w.times[0])
	if since < time.Minute {
		w.sleep(time.Minute - since)
	}
}

// record notes a completed request, evicting the oldest timestamp once the
// window is full.
func (w *rateWindow) record(t time.Time) {
	w.times = append(w.times, t)
	if len(w.times) > w.limit {
		w.times = w.times[1:]
	}
}

// ───────── Run stats ─────────

type runStats struct {
	mu             sync.Mutex
	Processed      int
	Written        int
	NotFound       int
	AuthFailures   int
	AuthExpiries   int
	FetchErrors    int
	FormatErrors   int
	SinkErrors     int
	TokenRefreshes int
}

func (s *runStats) inc(field *int, n int) {
	s.mu.Lock()
	*field += n
	s.mu.Unlock()
}

func (s *runStats) snapshot() runStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return runStats{
		Processed:      s.Processed,
		Written:        s.Written,
		NotFound:       s.NotFound,
		AuthFailures:   s.AuthFailures,
		AuthExpiries:   s.AuthExpiries,
		FetchErrors:    s.FetchErrors,
		FormatErrors:   s.FormatErrors,
		SinkErrors:     s.SinkErrors,
		TokenRefreshes: s.TokenRefreshes,
	}
}

// ───────── Worker pool ─────────

// pipeline owns the shared resources of a run: the queue, the global fetch
// permit, the sink, and the client. Workers are otherwise independent; each
// holds its own token, fingerprint headers and rate window.
type pipeline struct {
	client  *lowesClient
	sink    Sink
	queue   <-chan workItem
	permit  *semaphore.Weighted
	limiter *rate.Limiter // optional aggregate rps bound; nil = unlimited
	stats   *runStats
	metrics *Metrics
	bar     *progressbar.ProgressBar
	log     *slog.Logger

	workers   int
	perMinute int

	// test seams for the rate window clock
	now   func() time.Time
	sleep func(time.Duration)
}

func (p *pipeline) run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.runWorker(ctx, id)
		}(i + 1)
	}
	wg.Wait()
}

// runWorker drains the queue. Every failure is logged and the item dropped;
// nothing escapes an iteration, and only queue exhaustion (or a shutdown
// signal) ends the loop.
func (p *pipeline) runWorker(ctx context.Context, id int) {
	win := newRateWindow(p.perMinute)
	if p.now != nil {
		win.now = p.now
	}
	if p.sleep != nil {
		win.sleep = p.sleep
	}
	log := p.log.With("worker", id)

	var tok *token
	var fingerprint map[string]string

	for item := range p.queue {
		if ctx.Err() != nil {
			return
		}
		if p.metrics != nil {
			p.metrics.SetQueueDepth(len(p.queue))
		}

		if tok.expired(win.now()) {
			fingerprint = fingerprintHeaders()
			fresh, err := p.client.acquireToken(ctx, fingerprint)
			if err != nil {
				log.Error("failed to get token, skipping combination",
					"sku", item.product.SKU, "store", item.store.ID, "err", err)
				p.stats.inc(&p.stats.AuthFailures, 1)
				p.finish()
				continue
			}
			tok = fresh
			p.stats.inc(&p.stats.TokenRefreshes, 1)
		}

		win.pace()
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return
			}
		}

		rec, err := p.processItem(ctx, tok, fingerprint, item)
		win.record(win.now())
		tok.uses++

		var nf *notFoundError
		switch {
		case err == nil:
			if werr := p.sink.Append(ctx, rec); werr != nil {
				log.Error("sink append failed",
					"sku", item.product.SKU, "store", item.store.ID, "err", werr)
				p.stats.inc(&p.stats.SinkErrors, 1)
			} else {
				log.Info("in stock", "sku", rec.OMSID, "store", rec.StoreName, "qty", rec.Inventory)
				p.stats.inc(&p.stats.Written, 1)
			}
		case errors.Is(err, errAuthExpired):
			// Never a generic failure: clear the token and refresh on the
			// next iteration.
			log.Warn("token expired, will refresh")
			tok = nil
			p.stats.inc(&p.stats.AuthExpiries, 1)
		case errors.As(err, &nf):
			log.Info("item not available",
				"sku", item.product.SKU, "store", item.store.ID, "detail", nf.msg)
			p.stats.inc(&p.stats.NotFound, 1)
		case errors.Is(err, errFormat):
			log.Error("could not format data",
				"sku", item.product.SKU, "store", item.store.ID, "err", err)
			p.stats.inc(&p.stats.FormatErrors, 1)
		default:
			log.Error("API error",
				"sku", item.product.SKU, "store", item.store.ID, "err", err)
			p.stats.inc(&p.stats.FetchErrors, 1)
		}

		p.finish()
	}
}

// processItem runs one fetch+format cycle under the global permit. The permit
// is released on every path before the worker loops.
func (p *pipeline) processItem(ctx context.Context, tok *token, fingerprint map[string]string, item workItem) (ResultRecord, error) {
	if err := p.permit.Acquire(ctx, 1); err != nil {
		return ResultRecord{}, err
	}
	defer p.permit.Release(1)
	if p.metrics != nil {
		p.metrics.AddInflight(1)
		defer p.metrics.AddInflight(-1)
	}

	raw, err := p.client.fetchProduct(ctx, tok, fingerprint, item.store, item.product.OMSID)
	if err != nil {
		return ResultRecord{}, err
	}
	rec, err := formatRecord(item.store, raw)
	if err != nil {
		return ResultRecord{}, fmt.Errorf("%s at %s: %w", item.product.SKU, item.store.Name, err)
	}
	return rec, nil
}

func (p *pipeline) finish() {
	p.stats.inc(&p.stats.Processed, 1)
	if p.bar != nil {
		_ = p.bar.Add(1)
	}
}
