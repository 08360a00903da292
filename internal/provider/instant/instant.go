// Package instant is the QR instant-transfer payment provider.
package instant

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/xenking/kart-checkout/internal/domain/payment"
	"github.com/xenking/kart-checkout/internal/provider/remote"
)

const name = "instant"

var _ payment.Provider = (*Provider)(nil)

// Provider creates QR charges that the payer settles from a banking app.
type Provider struct {
	c   *remote.Client
	ttl time.Duration
}

// New returns a Provider whose charges expire after ttl.
func New(cfg remote.Config, ttl time.Duration, transport http.RoundTripper) (*Provider, error) {
	c, err := remote.New(name, cfg, transport)
	if err != nil {
		return nil, err
	}
	return &Provider{c: c, ttl: ttl}, nil
}

func (p *Provider) Method() payment.Method { return payment.MethodInstantTransfer }

func (p *Provider) Create(ctx context.Context, ch payment.Charge) (*payment.Payment, error) {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("reference_id")
	e.Str(ch.OrderID)
	e.FieldStart("amount")
	e.Str(ch.Amount.StringFixed(2))
	e.FieldStart("expires_in")
	e.Int64(int64(p.ttl / time.Second))
	if ch.Description != "" {
		e.FieldStart("description")
		e.Str(ch.Description)
	}
	e.FieldStart("payer")
	e.ObjStart()
	e.FieldStart("name")
	e.Str(ch.Customer.Name)
	e.FieldStart("email")
	e.Str(ch.Customer.Email)
	e.FieldStart("phone")
	e.Str(ch.Customer.Phone)
	e.ObjEnd()
	e.ObjEnd()

	data, err := p.c.Do(ctx, "create", http.MethodPost, "/v1/charges", e.Bytes())
	if err != nil {
		return nil, err
	}

	var (
		out       payment.Payment
		expiresAt string
	)
	if err := jx.DecodeBytes(data).Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "id":
			v, err := d.Str()
			out.Reference = v
			return err
		case "qr_code":
			v, err := d.Str()
			out.Instructions = v
			return err
		case "expires_at":
			v, err := d.Str()
			expiresAt = v
			return err
		default:
			return d.Skip()
		}
	}); err != nil {
		return nil, p.c.Malformed("create", err)
	}
	if out.Reference == "" || out.Instructions == "" {
		return nil, p.c.Malformed("create", errors.New("missing id or qr_code"))
	}

	out.ExpiresAt = time.Now().Add(p.ttl)
	if expiresAt != "" {
		t, err := time.Parse(time.RFC3339, expiresAt)
		if err != nil {
			return nil, p.c.Malformed("create", err)
		}
		out.ExpiresAt = t
	}
	return &out, nil
}

func (p *Provider) Status(ctx context.Context, reference string) (payment.Status, error) {
	data, err := p.c.Do(ctx, "status", http.MethodGet, "/v1/charges/"+url.PathEscape(reference), nil)
	if err != nil {
		if remote.IsStatus(err, http.StatusNotFound) {
			return "", payment.ErrReferenceNotFound
		}
		return "", err
	}

	var status string
	if err := jx.DecodeBytes(data).Obj(func(d *jx.Decoder, key string) error {
		if key != "status" {
			return d.Skip()
		}
		v, err := d.Str()
		status = v
		return err
	}); err != nil {
		return "", p.c.Malformed("status", err)
	}

	switch status {
	case "pending", "processing":
		return payment.StatusPending, nil
	case "paid", "completed":
		return payment.StatusPaid, nil
	case "expired":
		return payment.StatusExpired, nil
	case "failed", "cancelled", "refunded":
		return payment.StatusFailed, nil
	default:
		return "", p.c.Malformed("status", errors.Errorf("unknown status %q", status))
	}
}
