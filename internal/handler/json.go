package handler

import (
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-checkout/internal/domain/apperr"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 64 << 10

func writeJSON(w http.ResponseWriter, status int, fn func(e *jx.Encoder)) {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)
	fn(e)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}

// decodeObject walks the top-level object of the request body. An empty
// body is treated as an empty object.
func decodeObject(w http.ResponseWriter, r *http.Request, fn func(d *jx.Decoder, key string) error) error {
	if r.Body == nil || r.Body == http.NoBody || r.ContentLength == 0 {
		return nil
	}
	d := jx.Decode(http.MaxBytesReader(w, r.Body, maxBodyBytes), 4096)
	if err := d.Obj(fn); err != nil {
		return apperr.Wrap(err, apperr.KindValidation, "invalid_body", "request body is not valid JSON")
	}
	return nil
}

// readDecimal accepts a JSON number or a numeric string.
func readDecimal(d *jx.Decoder) (decimal.Decimal, error) {
	switch d.Next() {
	case jx.String:
		s, err := d.Str()
		if err != nil {
			return decimal.Zero, err
		}
		return decimal.NewFromString(s)
	case jx.Number:
		n, err := d.Num()
		if err != nil {
			return decimal.Zero, err
		}
		return decimal.NewFromString(n.String())
	case jx.Null:
		return decimal.Zero, d.Null()
	default:
		return decimal.Zero, errors.New("expected a number")
	}
}

func money(e *jx.Encoder, d decimal.Decimal) {
	e.Raw([]byte(d.StringFixed(2)))
}

func timestamp(e *jx.Encoder, t time.Time) {
	e.Str(t.UTC().Format(time.RFC3339))
}

func optField(e *jx.Encoder, name, v string) {
	if v == "" {
		return
	}
	e.FieldStart(name)
	e.Str(v)
}

func optTime(e *jx.Encoder, name string, t *time.Time) {
	if t == nil {
		return
	}
	e.FieldStart(name)
	timestamp(e, *t)
}
