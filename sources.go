package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
)

// ───────── Reference data ─────────

// Product is one catalog row. SKU and OMSID are required for a lookup; the
// remaining columns ride along from the source file.
type Product struct {
	Name     string
	Brand    string
	URL      string
	ImageURL string
	SKU      string
	Reviews  string
	Rating   string
	Model    string
	Retailer string
	StoreSKU string
	OMSID    string
}

type Store struct {
	ID      string `json:"store_id"`
	Name    string `json:"store_name"`
	Address string `json:"address"`
	City    string `json:"city"`
	State   string `json:"state"`
	Zipcode string `json:"zipcode"`
}

// loadProducts reads the catalog CSV by header name. Rows missing the SKU or
// omsid columns entirely are skipped; placeholder omsid values are filtered
// later by eligibleProducts.
func loadProducts(path string) ([]Product, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("products header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[strings.TrimPrefix(strings.TrimSpace(h), "\ufeff")] = i
	}
	for _, required := range []string{"SKU", "omsid"} {
		if _, ok := col[required]; !ok {
			return nil, fmt.Errorf("products file missing %q column", required)
		}
	}
	field := func(row []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	var products []Product
	for {
		row, err := r.Read()
		if err != nil {
			break
		}
		p := Product{
			Name:     field(row, "name"),
			Brand:    field(row, "brand"),
			URL:      field(row, "url"),
			ImageURL: field(row, "mainImageurl"),
			SKU:      field(row, "SKU"),
			Reviews:  field(row, "Reviews"),
			Rating:   field(row, "Rating"),
			Model:    field(row, "Model"),
			Retailer: field(row, "retailer"),
			StoreSKU: field(row, "storesku"),
			OMSID:    field(row, "omsid"),
		}
		if p.SKU == "" {
			continue
		}
		products = append(products, p)
	}
	return products, nil
}

// loadStores reads the store list JSON ({"data":[...]}).
func loadStores(path string) ([]Store, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var wrapped struct {
		Data []Store `json:"data"`
	}
	if err := json.Unmarshal(b, &wrapped); err != nil {
		return nil, fmt.Errorf("stores file: %w", err)
	}
	return wrapped.Data, nil
}

// ───────── Eligibility filters ─────────

// invalidOMSIDs are placeholder values that disqualify a product outright;
// the omsid drives the API call, so a bad one would waste a whole store pass.
var invalidOMSIDs = map[string]struct{}{
	"": {}, "null": {}, "none": {}, "n/a": {}, "na": {}, "0": {},
}

func validOMSID(s string) bool {
	_, bad := invalidOMSIDs[strings.ToLower(strings.TrimSpace(s))]
	return !bad
}

func validZipcode(s string) bool {
	z := strings.TrimSpace(s)
	if len(z) < 5 {
		return false
	}
	for _, r := range z {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func eligibleProducts(products []Product) []Product {
	out := make([]Product, 0, len(products))
	for _, p := range products {
		if validOMSID(p.OMSID) {
			out = append(out, p)
		}
	}
	return out
}

func eligibleStores(stores []Store) []Store {
	out := make([]Store, 0, len(stores))
	for _, s := range stores {
		if validZipcode(s.Zipcode) {
			out = append(out, s)
		}
	}
	return out
}

// ───────── Proxy pool ─────────

// loadProxies parses ip:port:user[:pass] lines into proxy URLs. A missing
// file is not an error; the job simply runs without proxies.
func loadProxies(path string) ([]*url.URL, error) {
	if path == "" {
		return nil, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var proxies []*url.URL
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.Split(line, ":")
		if len(parts) < 2 {
			return nil, fmt.Errorf("malformed proxy line %q", line)
		}
		host, port := parts[0], parts[1]
		u := &url.URL{Scheme: "http", Host: host + ":" + port}
		if len(parts) >= 4 && parts[3] != "" {
			u.User = url.UserPassword(parts[2], parts[3])
		} else if len(parts) >= 3 {
			u.User = url.User(parts[2])
		}
		proxies = append(proxies, u)
	}
	return proxies, nil
}
