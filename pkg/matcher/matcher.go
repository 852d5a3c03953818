// Package matcher ranks canonical menu items for a normalized invoice line.
package matcher

import (
	"fmt"
	"math"
	"regexp"
	"sort"

	"github.com/agnivade/levenshtein"
	"github.com/fcanalytics/menurecon/pkg/index"
	"github.com/fcanalytics/menurecon/pkg/model"
	"github.com/fcanalytics/menurecon/pkg/normalize"
)

// HintMode controls how a category hint affects candidates of another fc_type.
type HintMode string

const (
	HintFilter  HintMode = "filter"
	HintPenalty HintMode = "penalty"
	HintOff     HintMode = "off"
)

const (
	// Credit for a near token match ("amerikano" vs "americano").
	fuzzyTokenCredit = 0.8
	fuzzyTokenMinLen = 4
)

// DenyField selects the text a deny rule is matched against.
type DenyField string

const (
	DenyProductName DenyField = "product_name"
	DenyProductLine DenyField = "product_line"
)

// DenyRule forces a line to unmatched when Pattern matches the normalized
// field. With FCType set the rule only fires when the line would land on that
// fc_type, either through its hint or through the best candidate.
type DenyRule struct {
	Name    string    `mapstructure:"name"`
	Field   DenyField `mapstructure:"field"`
	Pattern string    `mapstructure:"pattern"`
	FCType  string    `mapstructure:"fc_type"`
}

func (r DenyRule) label() string {
	if r.Name != "" {
		return r.Name
	}
	return string(r.Field) + ":" + r.Pattern
}

type denyRule struct {
	re    *regexp.Regexp
	field DenyField
	typ   string
	label string
}

// Options tunes scoring and retrieval.
type Options struct {
	TokenWeight float64
	EditWeight  float64
	HintMode    HintMode
	HintPenalty float64
	TopK        int
	Deny        []DenyRule
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		TokenWeight: 0.6,
		EditWeight:  0.4,
		HintMode:    HintPenalty,
		HintPenalty: 0.25,
		TopK:        5,
		Deny:        DefaultDenyRules(),
	}
}

// DefaultDenyRules keeps frozen or packaged goods and non-food product lines
// out of the menu.
func DefaultDenyRules() []DenyRule {
	return []DenyRule{
		{
			Name:    "frozen_or_packaged",
			Field:   DenyProductName,
			Pattern: `\bmroz|\bzamroz|\bgleboko\b|\bzgrzew|\bkarton\b|\bpaczka\b|\bkonserw|\bsloik\b`,
		},
		{
			Name:    "non_food_line",
			Field:   DenyProductLine,
			Pattern: `\bnapoj\b|\bpiwo\b|\bpapieros|\blufka\b|\bbutelka\b`,
		},
	}
}

// Validate rejects negative weights, an unknown hint mode and a penalty
// outside [0,1].
func (o Options) Validate() error {
	if o.TokenWeight < 0 || o.EditWeight < 0 {
		return fmt.Errorf("score weights must be non-negative (token_overlap=%v, edit_distance=%v)", o.TokenWeight, o.EditWeight)
	}
	switch o.HintMode {
	case HintFilter, HintPenalty, HintOff, "":
	default:
		return fmt.Errorf("unknown category_hint_mode %q", o.HintMode)
	}
	if o.HintPenalty < 0 || o.HintPenalty > 1 {
		return fmt.Errorf("category_hint_penalty must be within [0,1], got %v", o.HintPenalty)
	}
	_, err := compileDeny(o.Deny)
	return err
}

func compileDeny(rules []DenyRule) ([]denyRule, error) {
	out := make([]denyRule, 0, len(rules))
	for i, r := range rules {
		field := r.Field
		if field == "" {
			field = DenyProductName
		}
		if field != DenyProductName && field != DenyProductLine {
			return nil, fmt.Errorf("deny rule %d: unknown field %q", i, r.Field)
		}
		if r.Pattern == "" {
			return nil, fmt.Errorf("deny rule %d: empty pattern", i)
		}
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("deny rule %q: %w", r.label(), err)
		}
		out = append(out, denyRule{re: re, field: field, typ: index.TypeKey(r.FCType), label: r.label()})
	}
	return out, nil
}

// Matcher scores lines against one index. Safe for concurrent use.
type Matcher struct {
	idx     *index.Index
	wTok    float64
	wEdit   float64
	mode    HintMode
	penalty float64
	topK    int
	deny    []denyRule
}

// New returns a Matcher. Weights are normalized to sum to 1; zero values
// fall back to the defaults. It panics on deny rules Validate rejects.
func New(idx *index.Index, opts Options) *Matcher {
	deny, err := compileDeny(opts.Deny)
	if err != nil {
		panic(err)
	}
	def := DefaultOptions()
	wTok, wEdit := opts.TokenWeight, opts.EditWeight
	if wTok+wEdit <= 0 {
		wTok, wEdit = def.TokenWeight, def.EditWeight
	}
	sum := wTok + wEdit
	m := &Matcher{
		idx:     idx,
		wTok:    wTok / sum,
		wEdit:   wEdit / sum,
		mode:    opts.HintMode,
		penalty: opts.HintPenalty,
		topK:    opts.TopK,
		deny:    deny,
	}
	if m.mode == "" {
		m.mode = def.HintMode
	}
	if m.topK <= 0 {
		m.topK = def.TopK
	}
	return m
}

// Match returns ranked candidates, best first. An empty result means no
// canonical item is a plausible match.
func (m *Matcher) Match(item normalize.NormalizedLineItem) []model.Candidate {
	if e, ok := m.idx.LookupEAN(item.EAN); ok {
		return []model.Candidate{{Item: e.Item, Score: 1, Method: model.MethodExactEAN}}
	}
	if c, ok := m.denied(item, ""); ok {
		return []model.Candidate{c}
	}

	hint, hinted := "", false
	if m.mode != HintOff {
		hint, hinted = m.idx.HintFor(item.ProductLine, item.ProductName)
	}
	if hinted {
		if c, ok := m.denied(item, hint); ok {
			return []model.Candidate{c}
		}
	}

	var out []model.Candidate
	for _, id := range m.idx.Retrieve(item.Tokens) {
		e := m.idx.Entry(id)
		score := m.wTok*softJaccard(item.Tokens, e.Tokens) + m.wEdit*editSimilarity(item.ProductName, e.Name)
		if hinted && !index.HasType(e, hint) {
			if m.mode == HintFilter {
				continue
			}
			score *= 1 - m.penalty
		}
		out = appendScored(out, e, score, model.MethodTokenOverlap)
	}

	if len(out) == 0 {
		out = m.fallback(item, hint, hinted)
	}
	out = m.rank(out)
	if len(out) > 0 {
		if c, ok := m.denied(item, out[0].Item.FCType); ok {
			return []model.Candidate{c}
		}
	}
	return out
}

// denied returns the candidate of the first deny rule matching the line.
// Rules scoped to an fc_type fire only when fcType equals it.
func (m *Matcher) denied(item normalize.NormalizedLineItem, fcType string) (model.Candidate, bool) {
	fcType = index.TypeKey(fcType)
	for _, r := range m.deny {
		if r.typ != fcType {
			continue
		}
		text := item.ProductName
		if r.field == DenyProductLine {
			text = item.ProductLine
		}
		if text != "" && r.re.MatchString(text) {
			return model.Candidate{Method: model.MethodDenyRule, Rule: r.label}, true
		}
	}
	return model.Candidate{}, false
}

// fallback scores by edit similarity alone. In filter mode a hinted line
// only scans its fc_type, unless that type has no items. In penalty mode
// the full menu is scanned and other types are down-ranked.
func (m *Matcher) fallback(item normalize.NormalizedLineItem, hint string, hinted bool) []model.Candidate {
	var out []model.Candidate
	if hinted && m.mode == HintFilter && len(m.idx.ByType(hint)) > 0 {
		for _, id := range m.idx.ByType(hint) {
			e := m.idx.Entry(id)
			out = appendScored(out, e, editSimilarity(item.ProductName, e.Name), model.MethodCategoryHint)
		}
		return out
	}
	for _, e := range m.idx.Entries() {
		score, method := editSimilarity(item.ProductName, e.Name), model.MethodEditDistance
		if hinted {
			if index.HasType(e, hint) {
				method = model.MethodCategoryHint
			} else {
				score *= 1 - m.penalty
			}
		}
		out = appendScored(out, e, score, method)
	}
	return out
}

func (m *Matcher) rank(cands []model.Candidate) []model.Candidate {
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].Score != cands[j].Score {
			return cands[i].Score > cands[j].Score
		}
		return cands[i].Item.Less(cands[j].Item)
	})
	if len(cands) > m.topK {
		cands = cands[:m.topK]
	}
	return cands
}

func appendScored(out []model.Candidate, e index.Entry, score float64, method model.Method) []model.Candidate {
	score = round4(clamp01(score))
	if score <= 0 {
		return out
	}
	return append(out, model.Candidate{Item: e.Item, Score: score, Method: method})
}

// softJaccard is |A∩B| / |A∪B| where a near match counts as a partial
// member of the intersection. Both inputs are sorted token sets.
func softJaccard(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	used := make([]bool, len(b))
	var rest []string
	inter := 0.0
	for _, x := range a {
		j := sort.SearchStrings(b, x)
		if j < len(b) && b[j] == x {
			used[j] = true
			inter++
			continue
		}
		rest = append(rest, x)
	}
	for _, x := range rest {
		if len([]rune(x)) < fuzzyTokenMinLen {
			continue
		}
		for j, y := range b {
			if used[j] || len([]rune(y)) < fuzzyTokenMinLen {
				continue
			}
			if levenshtein.ComputeDistance(x, y) <= 1 {
				used[j] = true
				inter += fuzzyTokenCredit
				break
			}
		}
	}
	union := float64(len(a)+len(b)) - inter
	return inter / union
}

// editSimilarity is 1 - lev/maxLen over runes.
func editSimilarity(a, b string) float64 {
	la, lb := len([]rune(a)), len([]rune(b))
	maxLen := la
	if lb > maxLen {
		maxLen = lb
	}
	if maxLen == 0 {
		return 0
	}
	return 1 - float64(levenshtein.ComputeDistance(a, b))/float64(maxLen)
}

func clamp01(x float64) float64 {
	return math.Max(0, math.Min(1, x))
}

func round4(x float64) float64 {
	return math.Round(x*10000) / 10000
}
