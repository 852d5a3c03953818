// Package model holds the types shared by every stage of the reconciliation
// pipeline: raw invoice lines, canonical menu items, candidates and results.
package model

import (
	"strings"
	"time"
)

// RawLineItem is one invoice line exactly as ingested. Every column is kept
// as text; parsing happens in the normalizer.
type RawLineItem struct {
	// Position in partition scan order (0-based).
	Seq int `json:"-"`
	// Position within the receipt (1-based, ingestion order).
	LineOrdinal int `json:"-"`

	ReceiptID      string `json:"id_paragonu"`
	ReceiptNumber  string `json:"numer_paragonu"`
	PurchaseDate   string `json:"data_zakupu"`
	PurchaseTime   string `json:"godzina_zakupu"`
	ProductLine    string `json:"linia_produktowa"`
	EAN            string `json:"ean"`
	ProductName    string `json:"nazwa_produktu"`
	Quantity       string `json:"ilosc"`
	UnitPriceGross string `json:"cena_jednostkowa_brutto"`
	VATRate        string `json:"stawka_vat"`
	UnitPriceNet   string `json:"cena_jednostkowa_netto"`
	Discount       string `json:"rabat"`
	Cashier        string `json:"kasjer"`
	PaymentMethod  string `json:"metoda_platnosci"`
	StoreChainID   string `json:"id_sieci"`
}

// Item is a canonical_menu row.
type Item struct {
	Category string `json:"menu_category"`
	Name     string `json:"menu_item"`
	FCType   string `json:"fc_type"`
}

// Key identifies an item within a snapshot.
func (i Item) Key() string {
	return i.Category + "|" + i.Name + "|" + i.FCType
}

// Valid reports whether all three columns are set.
func (i Item) Valid() bool {
	return strings.TrimSpace(i.Category) != "" && strings.TrimSpace(i.Name) != "" && strings.TrimSpace(i.FCType) != ""
}

// Less orders items by name, then category, then type.
func (i Item) Less(o Item) bool {
	if i.Name != o.Name {
		return i.Name < o.Name
	}
	if i.Category != o.Category {
		return i.Category < o.Category
	}
	return i.FCType < o.FCType
}

// Method names how a candidate was found and scored.
type Method string

const (
	MethodExactEAN     Method = "exact-ean"
	MethodTokenOverlap Method = "token-overlap"
	MethodEditDistance Method = "edit-distance"
	MethodCategoryHint Method = "category-hint"
	// MethodDenyRule marks a line a deny rule excluded from matching. The
	// candidate carries no item and names the rule.
	MethodDenyRule     Method = "deny-rule"
)

// Candidate is one scored canonical item for a line.
type Candidate struct {
	Item   Item    `json:"item"`
	Score  float64 `json:"score"`
	Method Method  `json:"method"`
	Rule   string  `json:"rule,omitempty"`
}

// Status is the terminal state of a decision.
type Status string

const (
	StatusMatched        Status = "matched"
	StatusAmbiguous      Status = "ambiguous"
	StatusUnmatched      Status = "unmatched"
	StatusManualOverride Status = "manual-override"
)

// Statuses lists every status in reporting order.
var Statuses = []Status{StatusMatched, StatusAmbiguous, StatusUnmatched, StatusManualOverride}

// MatchResult is the decision for one fingerprint in one pass.
type MatchResult struct {
	Fingerprint string      `json:"fingerprint"`
	Item        *Item       `json:"item,omitempty"`
	Confidence  float64     `json:"confidence"`
	Status      Status      `json:"status"`
	Candidates  []Candidate `json:"candidates"`
	DecidedAt   time.Time   `json:"decided_at"`
}

// OverrideAction is the kind of an override log entry.
type OverrideAction string

const (
	ActionPin    OverrideAction = "pin"
	ActionRevoke OverrideAction = "revoke"
)

// OverrideEntry is one append-only record in the override log. For a revoke
// marker Item is the zero value.
type OverrideEntry struct {
	Fingerprint string         `json:"fingerprint"`
	Item        Item           `json:"item"`
	Author      string         `json:"author"`
	CreatedAt   time.Time      `json:"created_at"`
	Version     int            `json:"version"`
	Action      OverrideAction `json:"action"`
	Note        string         `json:"note,omitempty"`
}
