// Package normalize turns raw invoice lines into validated, fingerprinted
// line items. Everything here is a pure function of the input row.
package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fcanalytics/menurecon/pkg/model"
	"github.com/shopspring/decimal"
)

// Reason is a quarantine reason code.
type Reason string

const (
	ReasonInvalidReceiptID  Reason = "invalid_receipt_id"
	ReasonEmptyProductName  Reason = "empty_product_name"
	ReasonInvalidQuantity   Reason = "invalid_quantity"
	ReasonNonPositiveQty    Reason = "nonpositive_quantity"
	ReasonMissingPrice      Reason = "missing_price"
	ReasonInvalidPrice      Reason = "invalid_price"
	ReasonInvalidVATRate    Reason = "invalid_vat_rate"
	ReasonInvalidDiscount   Reason = "invalid_discount"
	ReasonPriceInconsistent Reason = "price_inconsistent"
	ReasonInvalidDate       Reason = "invalid_date"
	ReasonInvalidTime       Reason = "invalid_time"
)

// QuarantineError excludes a row from matching. It is never fatal to a run.
type QuarantineError struct {
	Reason Reason
	Detail string
}

func (e *QuarantineError) Error() string {
	return fmt.Sprintf("quarantined (%s): %s", e.Reason, e.Detail)
}

func quarantine(reason Reason, format string, args ...interface{}) *QuarantineError {
	return &QuarantineError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// Tolerance bounds |gross - net*(1+vat)|; the larger of the two wins.
type Tolerance struct {
	Absolute decimal.Decimal
	Relative decimal.Decimal
}

// DefaultTolerance is 1 grosz or 0.5% of the gross price.
func DefaultTolerance() Tolerance {
	return Tolerance{
		Absolute: decimal.RequireFromString("0.01"),
		Relative: decimal.RequireFromString("0.005"),
	}
}

// Options configures a Normalizer.
type Options struct {
	// Tolerance defaults to DefaultTolerance when nil. A zero tolerance
	// requires the price triple to agree exactly.
	Tolerance *Tolerance
	// Location is used to interpret purchase dates. Defaults to UTC.
	Location *time.Location
}

// NormalizedLineItem is the immutable derived view of a raw line.
type NormalizedLineItem struct {
	Raw model.RawLineItem

	ReceiptID   int64
	PurchasedAt time.Time

	Quantity       decimal.Decimal
	UnitPriceGross decimal.Decimal
	UnitPriceNet   decimal.Decimal
	HasNet         bool
	VATRate        decimal.Decimal
	HasVAT         bool
	Discount       decimal.Decimal

	ProductName string
	Tokens      []string
	ProductLine string

	// EAN is empty unless the raw code passed the check digit.
	EAN        string
	RawEAN     string
	EANInvalid bool

	Fingerprint string
}

// Normalizer validates and folds raw lines. Safe for concurrent use.
type Normalizer struct {
	tol Tolerance
	loc *time.Location
}

// New returns a Normalizer; unset options fall back to defaults.
func New(opts Options) *Normalizer {
	tol := DefaultTolerance()
	if opts.Tolerance != nil {
		tol = *opts.Tolerance
	}
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	return &Normalizer{tol: tol, loc: loc}
}

// Normalize validates one row. The returned error, if any, is a *QuarantineError.
func (n *Normalizer) Normalize(raw model.RawLineItem) (NormalizedLineItem, error) {
	out := NormalizedLineItem{Raw: raw, RawEAN: raw.EAN}

	id, err := ParseReceiptID(raw.ReceiptID)
	if err != nil {
		return out, quarantine(ReasonInvalidReceiptID, "%q", raw.ReceiptID)
	}
	out.ReceiptID = id

	out.ProductName = Text(raw.ProductName)
	if out.ProductName == "" {
		return out, quarantine(ReasonEmptyProductName, "%q", raw.ProductName)
	}
	out.Tokens = Tokenize(out.ProductName)
	out.ProductLine = Label(raw.ProductLine)

	qty, present, err := ParseDecimal(raw.Quantity)
	if err != nil || !present {
		return out, quarantine(ReasonInvalidQuantity, "%q", raw.Quantity)
	}
	if !qty.IsPositive() {
		return out, quarantine(ReasonNonPositiveQty, "quantity %s", qty.String())
	}
	out.Quantity = qty

	gross, present, err := ParseDecimal(raw.UnitPriceGross)
	if !present {
		return out, quarantine(ReasonMissingPrice, "gross unit price is empty")
	}
	if err != nil || gross.IsNegative() {
		return out, quarantine(ReasonInvalidPrice, "gross %q", raw.UnitPriceGross)
	}
	out.UnitPriceGross = gross

	net, present, err := ParseDecimal(raw.UnitPriceNet)
	if err != nil || net.IsNegative() {
		return out, quarantine(ReasonInvalidPrice, "net %q", raw.UnitPriceNet)
	}
	out.UnitPriceNet, out.HasNet = net, present

	vat, present, err := ParseVATRate(raw.VATRate)
	if err != nil {
		return out, quarantine(ReasonInvalidVATRate, "%q", raw.VATRate)
	}
	out.VATRate, out.HasVAT = vat, present

	discount, _, err := ParseDecimal(raw.Discount)
	if err != nil {
		return out, quarantine(ReasonInvalidDiscount, "%q", raw.Discount)
	}
	out.Discount = discount

	if out.HasNet && out.HasVAT {
		if qe := n.checkPrices(gross, net, vat); qe != nil {
			return out, qe
		}
	}

	at, qe := n.purchaseTime(raw.PurchaseDate, raw.PurchaseTime)
	if qe != nil {
		return out, qe
	}
	out.PurchasedAt = at

	if code := CleanEAN(raw.EAN); code != "" {
		if ValidEAN(code) {
			out.EAN = code
		} else {
			out.EANInvalid = true
		}
	}

	out.Fingerprint = Fingerprint(raw.StoreChainID, out.EAN, out.ProductName)
	return out, nil
}

func (n *Normalizer) checkPrices(gross, net, vat decimal.Decimal) *QuarantineError {
	expected := net.Mul(decimal.NewFromInt(1).Add(vat.Div(hundred)))
	diff := gross.Sub(expected).Abs()
	tol := decimal.Max(n.tol.Absolute, n.tol.Relative.Mul(gross))
	if diff.GreaterThan(tol) {
		return quarantine(ReasonPriceInconsistent, "gross %s, net %s at %s%% expects %s (tolerance %s)",
			gross.String(), net.String(), vat.String(), expected.StringFixed(2), tol.StringFixed(4))
	}
	return nil
}

func (n *Normalizer) purchaseTime(date, clock string) (time.Time, *QuarantineError) {
	datePart, embedded := splitDateTime(date)
	if datePart == "" {
		return time.Time{}, quarantine(ReasonInvalidDate, "purchase date is empty")
	}
	d, err := parseDate(datePart)
	if err != nil {
		return time.Time{}, quarantine(ReasonInvalidDate, "%v", err)
	}

	clock = strings.TrimSpace(clock)
	if clock == "" {
		clock = embedded
	}
	var h, m, s int
	if clock != "" {
		c, err := parseClock(clock)
		if err != nil {
			return time.Time{}, quarantine(ReasonInvalidTime, "%v", err)
		}
		h, m, s = c.Clock()
	}
	return time.Date(d.Year(), d.Month(), d.Day(), h, m, s, 0, n.loc), nil
}

// ParseReceiptID reads id_paragonu, accepting float renderings such as "17.0".
func ParseReceiptID(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, "."); i > 0 && strings.Trim(s[i+1:], "0") == "" {
		s = s[:i]
	}
	return strconv.ParseInt(s, 10, 64)
}

// Fingerprint is the stable identity of a logical line: store chain,
// validated EAN (or empty) and normalized product name.
func Fingerprint(storeChainID, ean, normalizedName string) string {
	chain := strings.ToLower(strings.TrimSpace(storeChainID))
	sum := sha256.Sum256([]byte(chain + "\x1f" + ean + "\x1f" + normalizedName))
	return hex.EncodeToString(sum[:16])
}
