package main

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Sink receives one row per successful combination. Append must be safe for
// concurrent workers and must never interleave partial rows.
type Sink interface {
	Append(ctx context.Context, rec ResultRecord) error
	Close() error
}

// ───────── CSV sink (append-only; fsync on close) ─────────

type csvSink struct {
	mu sync.Mutex
	f  *os.File
	w  *csv.Writer
}

// newCSVSink opens path for appending, writing the BOM and header first when
// the file is new or empty.
func newCSVSink(path string) (*csvSink, error) {
	if err := os.MkdirAll(filepath.Dir(absPath(path)), 0755); err != nil {
		return nil, err
	}
	needHeader := true
	if fi, err := os.Stat(path); err == nil && fi.Size() > 0 {
		needHeader = false
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	w := csv.NewWriter(f)
	if needHeader {
		// UTF-8 BOM for Excel friendliness
		if _, err := f.Write([]byte{0xEF, 0xBB, 0xBF}); err != nil {
			f.Close()
			return nil, err
		}
		if err := w.Write(resultColumns); err != nil {
			f.Close()
			return nil, err
		}
		w.Flush()
		if err := w.Error(); err != nil {
			f.Close()
			return nil, err
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return nil, err
		}
	}
	return &csvSink{f: f, w: w}, nil
}

// Append writes one fully formed row under the sink lock. The lock is held
// only for the write itself, never across network calls.
func (s *csvSink) Append(_ context.Context, rec ResultRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.w.Write(rec.row()); err != nil {
		return err
	}
	s.w.Flush()
	return s.w.Error()
}

func (s *csvSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		s.f.Close()
		return err
	}
	if err := s.f.Sync(); err != nil {
		s.f.Close()
		return err
	}
	return s.f.Close()
}

func absPath(p string) string {
	ap, err := filepath.Abs(p)
	if err != nil {
		return p
	}
	return ap
}

// ───────── Postgres sink (optional) ─────────

type pgSink struct {
	pool  *pgxpool.Pool
	table string
}

func newPGSink(ctx context.Context, dsn, schema string, maxConns int, viaBouncer bool) (*pgSink, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("PG_DSN parse: %w", err)
	}
	if maxConns <= 0 {
		maxConns = 2
	}
	cfg.MaxConns = int32(maxConns)
	if viaBouncer {
		cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("PG connect: %w", err)
	}
	return &pgSink{
		pool:  pool,
		table: fmt.Sprintf(`"%s".store_inventory`, schema),
	}, nil
}

func (s *pgSink) Append(ctx context.Context, rec ResultRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.table+`
		(name, brand, url, image_url, sku, reviews, rating, model, retailer,
		 store_sku, omsid, store_name, store_id, store_location, inventory)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		ON CONFLICT (omsid, store_id) DO NOTHING`,
		rec.Name, rec.Brand, rec.URL, rec.ImageURL, rec.SKU, rec.Reviews,
		rec.Rating, rec.Model, rec.Retailer, rec.StoreSKU, rec.OMSID,
		rec.StoreName, rec.StoreID, rec.StoreLocation, rec.Inventory,
	)
	return err
}

func (s *pgSink) Close() error {
	s.pool.Close()
	return nil
}
