// Package index builds the immutable per-snapshot lookup the matcher reads:
// an exact EAN layer, a token-inverted layer and a category-hint layer.
package index

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/fcanalytics/menurecon/pkg/model"
	"github.com/fcanalytics/menurecon/pkg/normalize"
)

// ErrIndexBuild is returned for snapshots that cannot be indexed. It is fatal
// to a run.
var ErrIndexBuild = errors.New("index build failed")

// EANAssociation links a barcode to a canonical item.
type EANAssociation struct {
	EAN  string
	Item model.Item
}

// Snapshot is one version of the canonical menu.
type Snapshot struct {
	Items   []model.Item
	EANs    []EANAssociation
	Version string
}

// NameHint maps product names matching Pattern to an fc_type. Patterns are
// matched against normalized names ("kawa latte", no diacritics).
type NameHint struct {
	Pattern string `mapstructure:"pattern"`
	FCType  string `mapstructure:"fc_type"`
}

// Options configures a build.
type Options struct {
	// CategoryHints maps a product line to the fc_type it implies.
	CategoryHints map[string]string
	// NameHints are tried in order when the product line has no hint.
	NameHints []NameHint
}

type nameHint struct {
	re  *regexp.Regexp
	typ string
}

// Entry is an indexed canonical item.
type Entry struct {
	ID     int
	Item   model.Item
	Name   string
	Tokens []string
}

// Index is read-only after Build and safe for concurrent readers.
type Index struct {
	version  string
	entries  []Entry
	byEAN    map[string]int
	byToken  map[string][]int
	byType   map[string][]int
	hints    map[string]string
	byName   []nameHint
	warnings []string
}

// Build indexes a snapshot. Items are trimmed, deduplicated and sorted by
// (category, item, type), so ids are stable for a given snapshot.
func Build(snap Snapshot, opts Options) (*Index, error) {
	if len(snap.Items) == 0 {
		return nil, fmt.Errorf("%w: canonical snapshot is empty", ErrIndexBuild)
	}

	seen := make(map[string]bool, len(snap.Items))
	items := make([]model.Item, 0, len(snap.Items))
	for i, it := range snap.Items {
		it = trimItem(it)
		if !it.Valid() {
			return nil, fmt.Errorf("%w: canonical row %d has an empty field (%q, %q, %q)", ErrIndexBuild, i, it.Category, it.Name, it.FCType)
		}
		if seen[it.Key()] {
			continue
		}
		seen[it.Key()] = true
		items = append(items, it)
	}
	sort.Slice(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.Category != b.Category {
			return a.Category < b.Category
		}
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.FCType < b.FCType
	})

	idx := &Index{
		version: snap.Version,
		entries: make([]Entry, len(items)),
		byEAN:   make(map[string]int),
		byToken: make(map[string][]int),
		byType:  make(map[string][]int),
		hints:   make(map[string]string),
	}
	ids := make(map[string]int, len(items))
	for id, it := range items {
		name := normalize.Text(it.Name)
		if name == "" {
			name = normalize.Label(it.Name)
		}
		idx.entries[id] = Entry{ID: id, Item: it, Name: name, Tokens: normalize.Tokenize(name)}
		ids[it.Key()] = id

		keys := make(map[string]bool)
		for _, tok := range idx.entries[id].Tokens {
			keys[tok] = true
		}
		for _, tok := range normalize.Tokenize(normalize.Label(it.Category)) {
			keys[tok] = true
		}
		for tok := range keys {
			idx.byToken[tok] = append(idx.byToken[tok], id)
		}
		typ := typeKey(it.FCType)
		idx.byType[typ] = append(idx.byType[typ], id)
	}
	// Items are visited in id order, so every posting list is already sorted.

	idx.buildEANLayer(snap.EANs, ids)

	for line, typ := range opts.CategoryHints {
		key := normalize.Label(line)
		if key == "" || strings.TrimSpace(typ) == "" {
			continue
		}
		idx.hints[key] = typeKey(typ)
	}
	for i, h := range opts.NameHints {
		if strings.TrimSpace(h.FCType) == "" {
			return nil, fmt.Errorf("%w: name hint %d has no fc_type", ErrIndexBuild, i)
		}
		re, err := regexp.Compile(h.Pattern)
		if err != nil {
			return nil, fmt.Errorf("%w: name hint %q: %v", ErrIndexBuild, h.Pattern, err)
		}
		typ := typeKey(h.FCType)
		if len(idx.byType[typ]) == 0 {
			idx.warnf("name hint %q -> %q matches no canonical item", h.Pattern, h.FCType)
		}
		idx.byName = append(idx.byName, nameHint{re: re, typ: typ})
	}
	return idx, nil
}

func (idx *Index) buildEANLayer(assocs []EANAssociation, ids map[string]int) {
	conflicted := make(map[string]bool)
	for _, a := range assocs {
		code := normalize.CleanEAN(a.EAN)
		if !normalize.ValidEAN(code) {
			idx.warnf("skipping invalid EAN %q for %q", a.EAN, a.Item.Name)
			continue
		}
		id, ok := ids[trimItem(a.Item).Key()]
		if !ok {
			idx.warnf("skipping EAN %s: item %q is not in the canonical menu", code, a.Item.Name)
			continue
		}
		if conflicted[code] {
			continue
		}
		if prev, exists := idx.byEAN[code]; exists && prev != id {
			idx.warnf("dropping EAN %s: mapped to both %q and %q", code, idx.entries[prev].Item.Name, idx.entries[id].Item.Name)
			delete(idx.byEAN, code)
			conflicted[code] = true
			continue
		}
		idx.byEAN[code] = id
	}
}

func (idx *Index) warnf(format string, args ...interface{}) {
	idx.warnings = append(idx.warnings, fmt.Sprintf(format, args...))
}

func trimItem(it model.Item) model.Item {
	return model.Item{
		Category: strings.TrimSpace(it.Category),
		Name:     strings.TrimSpace(it.Name),
		FCType:   strings.TrimSpace(it.FCType),
	}
}

func typeKey(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// TypeKey is the comparison form of an fc_type.
func TypeKey(s string) string { return typeKey(s) }

// Version returns the snapshot label the index was built from.
func (idx *Index) Version() string { return idx.version }

// Len returns the number of distinct canonical items.
func (idx *Index) Len() int { return len(idx.entries) }

// EANCount returns the size of the exact layer.
func (idx *Index) EANCount() int { return len(idx.byEAN) }

// Warnings lists non-fatal problems found while building.
func (idx *Index) Warnings() []string {
	out := make([]string, len(idx.warnings))
	copy(out, idx.warnings)
	return out
}

// Entry returns the item with the given id.
func (idx *Index) Entry(id int) Entry { return idx.entries[id] }

// Entries returns all items in id order. The slice must not be modified.
func (idx *Index) Entries() []Entry { return idx.entries }

// LookupEAN consults the exact layer.
func (idx *Index) LookupEAN(ean string) (Entry, bool) {
	if ean == "" {
		return Entry{}, false
	}
	id, ok := idx.byEAN[ean]
	if !ok {
		return Entry{}, false
	}
	return idx.entries[id], true
}

// Retrieve returns the sorted ids of every item sharing at least one token.
func (idx *Index) Retrieve(tokens []string) []int {
	hit := make(map[int]bool)
	for _, tok := range tokens {
		for _, id := range idx.byToken[tok] {
			hit[id] = true
		}
	}
	ids := make([]int, 0, len(hit))
	for id := range hit {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Hint returns the fc_type configured for a normalized product line.
func (idx *Index) Hint(productLine string) (string, bool) {
	if productLine == "" {
		return "", false
	}
	typ, ok := idx.hints[productLine]
	return typ, ok
}

// HintFor resolves the hint for one line: the product line first, then the
// first name hint whose pattern matches the normalized product name.
func (idx *Index) HintFor(productLine, productName string) (string, bool) {
	if typ, ok := idx.Hint(productLine); ok {
		return typ, true
	}
	if productName == "" {
		return "", false
	}
	for _, h := range idx.byName {
		if h.re.MatchString(productName) {
			return h.typ, true
		}
	}
	return "", false
}

// NameHintCount returns the number of name hints.
func (idx *Index) NameHintCount() int { return len(idx.byName) }

// ByType returns the ids of items with the given fc_type.
func (idx *Index) ByType(fcType string) []int {
	return idx.byType[typeKey(fcType)]
}

// HasType reports whether an item's fc_type equals the given hint.
func HasType(e Entry, fcType string) bool {
	return typeKey(e.Item.FCType) == typeKey(fcType)
}
