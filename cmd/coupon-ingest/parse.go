package main

import (
	"context"
	"encoding/csv"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
	pgzip "github.com/klauspost/pgzip"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-checkout/internal/domain/coupon"
)

// Recognized CSV columns. code, kind and value are required.
const (
	colCode            = "code"
	colKind            = "kind"
	colValue           = "value"
	colMinimumPurchase = "minimum_purchase"
	colMaximumDiscount = "maximum_discount"
	colUsageLimit      = "usage_limit"
	colValidFrom       = "valid_from"
	colValidUntil      = "valid_until"
	colScope           = "scope"
	colScopeID         = "scope_id"
	colVisibility      = "visibility"
	colType            = "type"
	colDescription     = "description"
	colActive          = "active"
)

// rowError is a rejected CSV row.
type rowError struct {
	Line int
	Err  error
}

func (e *rowError) Error() string { return "line " + strconv.Itoa(e.Line) + ": " + e.Err.Error() }

func (e *rowError) Unwrap() error { return e.Err }

// header maps column names to positions.
type header map[string]int

func parseHeader(rec []string) (header, error) {
	h := make(header, len(rec))
	for i, name := range rec {
		h[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, required := range []string{colCode, colKind, colValue} {
		if _, ok := h[required]; !ok {
			return nil, errors.Errorf("missing column %q", required)
		}
	}
	return h, nil
}

func (h header) get(rec []string, col string) string {
	i, ok := h[col]
	if !ok || i >= len(rec) {
		return ""
	}
	return strings.TrimSpace(rec[i])
}

// parseRow converts one CSV record into a coupon. Optional columns fall back
// to the schema defaults.
func parseRow(h header, rec []string) (coupon.Coupon, error) {
	c := coupon.Coupon{
		Code:        coupon.NormalizeCode(h.get(rec, colCode)),
		Kind:        coupon.Kind(strings.ToLower(h.get(rec, colKind))),
		Active:      true,
		Scope:       coupon.ScopeAll,
		Visibility:  coupon.VisibilityExclusive,
		Type:        coupon.TypeMerchandise,
		ScopeID:     h.get(rec, colScopeID),
		Description: h.get(rec, colDescription),
	}
	if c.Code == "" {
		return c, errors.New("empty code")
	}
	if c.Kind != coupon.KindPercentage && c.Kind != coupon.KindFixed {
		return c, errors.Errorf("unknown kind %q", c.Kind)
	}

	var err error
	if c.Value, err = decimal.NewFromString(h.get(rec, colValue)); err != nil {
		return c, errors.Wrap(err, "value")
	}
	if c.Value.IsNegative() {
		return c, errors.New("value must not be negative")
	}
	if c.Kind == coupon.KindPercentage && c.Value.GreaterThan(decimal.NewFromInt(100)) {
		return c, errors.New("percentage above 100")
	}
	if c.MinimumPurchase, err = optDecimal(h.get(rec, colMinimumPurchase)); err != nil {
		return c, errors.Wrap(err, colMinimumPurchase)
	}
	if c.MaximumDiscount, err = optDecimal(h.get(rec, colMaximumDiscount)); err != nil {
		return c, errors.Wrap(err, colMaximumDiscount)
	}
	if v := h.get(rec, colUsageLimit); v != "" {
		if c.UsageLimit, err = strconv.Atoi(v); err != nil || c.UsageLimit < 0 {
			return c, errors.Errorf("invalid usage_limit %q", v)
		}
	}
	if c.ValidFrom, err = optTime(h.get(rec, colValidFrom)); err != nil {
		return c, errors.Wrap(err, colValidFrom)
	}
	if c.ValidUntil, err = optTime(h.get(rec, colValidUntil)); err != nil {
		return c, errors.Wrap(err, colValidUntil)
	}
	if c.ValidFrom != nil && c.ValidUntil != nil && !c.ValidUntil.After(*c.ValidFrom) {
		return c, errors.New("valid_until must be after valid_from")
	}

	if v := h.get(rec, colScope); v != "" {
		c.Scope = coupon.Scope(strings.ToLower(v))
	}
	switch c.Scope {
	case coupon.ScopeAll:
	case coupon.ScopeCategory, coupon.ScopeProduct, coupon.ScopeStore:
		if c.ScopeID == "" {
			return c, errors.Errorf("scope %s needs scope_id", c.Scope)
		}
	default:
		return c, errors.Errorf("unknown scope %q", c.Scope)
	}

	if v := h.get(rec, colVisibility); v != "" {
		c.Visibility = coupon.Visibility(strings.ToLower(v))
	}
	switch c.Visibility {
	case coupon.VisibilityExclusive, coupon.VisibilityAllAccounts, coupon.VisibilityNewAccounts:
	default:
		return c, errors.Errorf("unknown visibility %q", c.Visibility)
	}

	if v := h.get(rec, colType); v != "" {
		c.Type = coupon.Type(strings.ToLower(v))
	}
	if c.Type != coupon.TypeMerchandise && c.Type != coupon.TypeShipping {
		return c, errors.Errorf("unknown type %q", c.Type)
	}

	if v := h.get(rec, colActive); v != "" {
		if c.Active, err = strconv.ParseBool(v); err != nil {
			return c, errors.Errorf("invalid active %q", v)
		}
	}
	return c, nil
}

func optDecimal(s string) (*decimal.Decimal, error) {
	if s == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, err
	}
	if d.IsNegative() {
		return nil, errors.New("must not be negative")
	}
	return &d, nil
}

func optTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// scanFile streams a gzip CSV file. fn gets every valid row; invalid rows go
// to reject and do not stop the scan.
func scanFile(ctx context.Context, path string, fn func(c coupon.Coupon) error, reject func(*rowError)) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return errors.Wrapf(err, "create gzip reader for %s", path)
	}
	defer func() { _ = gz.Close() }()

	return scanCSV(ctx, gz, fn, reject)
}

func scanCSV(ctx context.Context, r io.Reader, fn func(c coupon.Coupon) error, reject func(*rowError)) error {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true

	rec, err := cr.Read()
	if err != nil {
		return errors.Wrap(err, "read header")
	}
	h, err := parseHeader(rec)
	if err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				reject(&rowError{Line: perr.StartLine, Err: perr.Err})
				continue
			}
			return errors.Wrap(err, "read row")
		}
		line, _ := cr.FieldPos(0)
		c, err := parseRow(h, rec)
		if err != nil {
			reject(&rowError{Line: line, Err: err})
			continue
		}
		if err := fn(c); err != nil {
			return err
		}
	}
}
