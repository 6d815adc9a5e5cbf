package main

import (
	"fmt"
	"strconv"
	"strings"
)

// productEnvelope is the product-detail response: either a product payload or
// an errors array, never both meaningfully.
type productEnvelope struct {
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
	Product *RawProduct `json:"product"`
}

// RawProduct is the subset of the detail payload the formatter consumes.
// Optional fields decode to their zero values, which are the documented
// fallbacks (0 rating/reviews, empty strings).
type RawProduct struct {
	Description string  `json:"description"`
	Brand       string  `json:"brand"`
	PDURL       string  `json:"pdURL"`
	ImageURL    string  `json:"imageUrl"`
	ReviewCount int     `json:"reviewCount"`
	Rating      float64 `json:"rating"`
	ModelID     string  `json:"modelId"`
	ItemNumber  string  `json:"itemNumber"`
	OmniItemID  string  `json:"omniItemId"`

	ItemInventory struct {
		TotalQty int `json:"totalQty"`
	} `json:"itemInventory"`
}

// resultColumns is the sink schema, written once as the CSV header. Order is
// load-bearing: ResultRecord.row() must match it.
var resultColumns = []string{
	"name", "brand", "url", "mainImageurl", "SKU",
	"Reviews", "Rating", "Model", "retailer", "storesku",
	"omsid", "storeName", "storeID", "storeLocation", "inventory",
}

// ResultRecord is one flat output row: product fields plus the store context
// it was checked against. Never mutated after creation.
type ResultRecord struct {
	Name          string
	Brand         string
	URL           string
	ImageURL      string
	SKU           string
	Reviews       int
	Rating        float64
	Model         string
	Retailer      string
	StoreSKU      string
	OMSID         string
	StoreName     string
	StoreID       string
	StoreLocation string
	Inventory     int
}

func (r ResultRecord) row() []string {
	return []string{
		r.Name,
		r.Brand,
		r.URL,
		r.ImageURL,
		r.SKU,
		strconv.Itoa(r.Reviews),
		strconv.FormatFloat(r.Rating, 'f', -1, 64),
		r.Model,
		r.Retailer,
		r.StoreSKU,
		r.OMSID,
		r.StoreName,
		r.StoreID,
		r.StoreLocation,
		strconv.Itoa(r.Inventory),
	}
}

// formatRecord maps a raw payload plus store context onto the canonical row.
// It returns an errFormat-wrapped error instead of ever escaping the worker.
func formatRecord(store Store, p *RawProduct) (ResultRecord, error) {
	if p == nil {
		return ResultRecord{}, fmt.Errorf("%w: no product payload", errFormat)
	}
	if strings.TrimSpace(p.OmniItemID) == "" {
		return ResultRecord{}, fmt.Errorf("%w: payload missing omniItemId", errFormat)
	}

	pageURL := ""
	if p.PDURL != "" {
		pageURL = "https://www.lowes.com/" + strings.TrimPrefix(p.PDURL, "/")
	}

	return ResultRecord{
		Name:          p.Description,
		Brand:         p.Brand,
		URL:           pageURL,
		ImageURL:      p.ImageURL,
		SKU:           p.ItemNumber,
		Reviews:       p.ReviewCount,
		Rating:        p.Rating,
		Model:         p.ModelID,
		Retailer:      "Lowes",
		StoreSKU:      p.ItemNumber,
		OMSID:         p.OmniItemID,
		StoreName:     store.Name,
		StoreID:       store.ID,
		StoreLocation: fmt.Sprintf("%s, %s, %s %s", store.Address, store.City, store.State, store.Zipcode),
		Inventory:     p.ItemInventory.TotalQty,
	}, nil
}
