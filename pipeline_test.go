package main

import (
	"context"
	"encoding/csv"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/semaphore"
)

// ───────── Harness ─────────

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func productBodyFor(omsid string) string {
	return fmt.Sprintf(`{"product":{
		"description":"Item %[1]s","brand":"ACME","pdURL":"pd/item/%[1]s",
		"imageUrl":"https://img.invalid/%[1]s.jpg","reviewCount":3,"rating":4,
		"modelId":"M-%[1]s","itemNumber":"%[1]s","omniItemId":"%[1]s",
		"itemInventory":{"totalQty":5}}}`, omsid)
}

func makeProducts(n int) []Product {
	out := make([]Product, 0, n)
	for i := 0; i < n; i++ {
		omsid := fmt.Sprintf("9000%d", i)
		out = append(out, Product{Name: "Item " + omsid, SKU: "sku-" + omsid, OMSID: omsid})
	}
	return out
}

func makeStores(n int) []Store {
	out := make([]Store, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, Store{
			ID:      fmt.Sprintf("10%d", i),
			Name:    fmt.Sprintf("Store %d", i),
			Address: "1 Main St", City: "Durham", State: "NC", Zipcode: "27701",
		})
	}
	return out
}

func readSinkRows(t *testing.T, path string) [][]string {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	body := strings.TrimPrefix(string(b), "\xef\xbb\xbf")
	rows, err := csv.NewReader(strings.NewReader(body)).ReadAll()
	require.NoError(t, err)
	return rows
}

type testPipeline struct {
	pipe    *pipeline
	stats   *runStats
	sinkCSV string
}

func newTestPipeline(t *testing.T, srv *httptest.Server, products []Product, stores []Store, workers, permitCap int) *testPipeline {
	t.Helper()
	path := filepath.Join(t.TempDir(), "out.csv")
	sink, err := newCSVSink(path)
	require.NoError(t, err)
	t.Cleanup(func() { sink.Close() })

	stats := &runStats{}
	return &testPipeline{
		pipe: &pipeline{
			client:    newTestClient(srv, 3),
			sink:      sink,
			queue:     buildQueue(products, stores),
			permit:    semaphore.NewWeighted(int64(permitCap)),
			stats:     stats,
			log:       discardLogger(),
			workers:   workers,
			perMinute: 10_000, // effectively unlimited unless a test overrides
		},
		stats:   stats,
		sinkCSV: path,
	}
}

func okTokenHandler(calls *atomic.Int32) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if calls != nil {
			calls.Add(1)
		}
		w.Write([]byte(`{"access_token":"tok"}`))
	}
}

// ───────── Pool behavior ─────────

func TestPipelineProcessesEveryCombinationExactlyOnce(t *testing.T) {
	products := makeProducts(5)
	stores := makeStores(4)

	var inflight, maxInflight, fetches atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", okTokenHandler(nil))
	mux.HandleFunc("/pd/productId/", func(w http.ResponseWriter, r *http.Request) {
		cur := inflight.Add(1)
		for {
			prev := maxInflight.Load()
			if cur <= prev || maxInflight.CompareAndSwap(prev, cur) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		fetches.Add(1)
		omsid := strings.TrimPrefix(r.URL.Path, "/pd/productId/")
		w.Write([]byte(productBodyFor(omsid)))
		inflight.Add(-1)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	tp := newTestPipeline(t, srv, products, stores, 4, 2)
	tp.pipe.run(context.Background())

	s := tp.stats.snapshot()
	assert.Equal(t, 20, s.Processed, "every combination consumed exactly once")
	assert.Equal(t, 20, s.Written)
	assert.Equal(t, int32(20), fetches.Load(), "no duplicate fetches")
	assert.LessOrEqual(t, maxInflight.Load(), int32(2), "global permit bound respected")

	rows := readSinkRows(t, tp.sinkCSV)
	require.Len(t, rows, 21, "header plus one row per combination")
	assert.Equal(t, resultColumns, rows[0])

	seen := make(map[string]struct{})
	for _, row := range rows[1:] {
		require.Len(t, row, len(resultColumns), "no partial rows")
		key := row[10] + "@" + row[12] // omsid@storeID
		_, dup := seen[key]
		assert.False(t, dup, "duplicate row %s", key)
		seen[key] = struct{}{}
	}
	assert.Len(t, seen, 20)
}

func TestPipeline401ClearsTokenAndRefreshes(t *testing.T) {
	var tokenCalls, fetchCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", okTokenHandler(&tokenCalls))
	mux.HandleFunc("/pd/productId/", func(w http.ResponseWriter, r *http.Request) {
		if fetchCalls.Add(1) == 2 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		omsid := strings.TrimPrefix(r.URL.Path, "/pd/productId/")
		w.Write([]byte(productBodyFor(omsid)))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	tp := newTestPipeline(t, srv, makeProducts(3), makeStores(1), 1, 10)
	tp.pipe.run(context.Background())

	s := tp.stats.snapshot()
	assert.Equal(t, 3, s.Processed)
	assert.Equal(t, 2, s.Written, "the 401 item is dropped, not requeued")
	assert.Equal(t, 1, s.AuthExpiries)
	assert.Zero(t, s.FetchErrors, "401 never surfaces as a generic fetch error")
	assert.Equal(t, int32(3), fetchCalls.Load(), "401 is not retried at the fetch level")
	assert.Equal(t, int32(2), tokenCalls.Load(), "a fresh token is fetched after the 401")
}

func TestPipelineRefreshesTokenAfterValidityWindow(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 12, 9, 12, 0, 0, 0, time.UTC)}

	var tokenCalls, fetchCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", okTokenHandler(&tokenCalls))
	mux.HandleFunc("/pd/productId/", func(w http.ResponseWriter, r *http.Request) {
		if fetchCalls.Add(1) == 1 {
			// Next expiry check happens 15 min + 1 s after issue.
			clock.Advance(tokenValidity + time.Second)
		}
		omsid := strings.TrimPrefix(r.URL.Path, "/pd/productId/")
		w.Write([]byte(productBodyFor(omsid)))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	tp := newTestPipeline(t, srv, makeProducts(2), makeStores(1), 1, 10)
	tp.pipe.client.now = clock.Now
	tp.pipe.now = clock.Now
	tp.pipe.sleep = func(time.Duration) {}
	tp.pipe.run(context.Background())

	s := tp.stats.snapshot()
	assert.Equal(t, 2, s.Written)
	assert.Equal(t, int32(2), tokenCalls.Load(), "aged-out token re-authenticates before the next fetch")
}

func TestPipelineTokenFailureDropsItemOnly(t *testing.T) {
	var fetchCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	mux.HandleFunc("/pd/productId/", func(w http.ResponseWriter, r *http.Request) {
		fetchCalls.Add(1)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	tp := newTestPipeline(t, srv, makeProducts(3), makeStores(1), 2, 10)
	tp.pipe.run(context.Background())

	s := tp.stats.snapshot()
	assert.Equal(t, 3, s.Processed, "workers keep draining after token failures")
	assert.Equal(t, 3, s.AuthFailures)
	assert.Zero(t, s.Written)
	assert.Zero(t, fetchCalls.Load())
}

func TestPipelineNotFoundIsIsolated(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", okTokenHandler(nil))
	mux.HandleFunc("/pd/productId/", func(w http.ResponseWriter, r *http.Request) {
		omsid := strings.TrimPrefix(r.URL.Path, "/pd/productId/")
		if omsid == "90001" {
			w.Write([]byte(`{"errors":[{"message":"Product not found"}]}`))
			return
		}
		w.Write([]byte(productBodyFor(omsid)))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	tp := newTestPipeline(t, srv, makeProducts(3), makeStores(2), 3, 10)
	tp.pipe.run(context.Background())

	s := tp.stats.snapshot()
	assert.Equal(t, 6, s.Processed)
	assert.Equal(t, 4, s.Written)
	assert.Equal(t, 2, s.NotFound, "one product missing at both stores")
	assert.Zero(t, s.FetchErrors)
}

// ───────── Queue ─────────

func TestBuildQueueCrossProduct(t *testing.T) {
	q := buildQueue(makeProducts(3), makeStores(4))
	count := 0
	for range q {
		count++
	}
	assert.Equal(t, 12, count)

	// Drained and closed: further receives report closed immediately.
	_, ok := <-q
	assert.False(t, ok)
}

// ───────── Rate window ─────────

func TestRateWindowUnderLimitDoesNotSleep(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	w := newRateWindow(3)
	w.now = clock.Now
	w.sleep = func(time.Duration) { t.Fatal("must not sleep under the limit") }

	w.record(clock.Now())
	w.record(clock.Now())
	w.pace()
}

func TestRateWindowFullWindowSleepsRemainder(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	var slept []time.Duration
	w := newRateWindow(3)
	w.now = clock.Now
	w.sleep = func(d time.Duration) {
		slept = append(slept, d)
		clock.Advance(d)
	}

	w.record(clock.Now())
	clock.Advance(time.Second)
	w.record(clock.Now())
	clock.Advance(time.Second)
	w.record(clock.Now())

	clock.Advance(28 * time.Second) // 30s since the oldest request
	w.pace()
	require.Len(t, slept, 1)
	assert.Equal(t, 30*time.Second, slept[0])
}

func TestRateWindowEvictsOldest(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	w := newRateWindow(2)
	w.now = clock.Now
	w.sleep = func(time.Duration) {}

	w.record(clock.Now())
	clock.Advance(time.Minute)
	w.record(clock.Now())
	clock.Advance(time.Second)
	w.record(clock.Now())

	require.Len(t, w.times, 2, "window bounded at its capacity")

	// Oldest surviving timestamp is one minute old; a full window with an
	// aged-out oldest entry does not block.
	var slept []time.Duration
	w.sleep = func(d time.Duration) { slept = append(slept, d) }
	clock.Advance(time.Minute)
	w.pace()
	assert.Empty(t, slept)
}
