// Package card is the hosted card-checkout payment provider.
package card

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

const name = "card"

var _ payment.Provider = (*Provider)(nil)

// Options tune the checkout sessions.
type Options struct {
	Currency   string        `default:"usd" usage:"ISO currency of card charges"`
	SuccessURL string        `usage:"Where the payer lands after paying"`
	TTL        time.Duration `default:"1h" usage:"Lifetime of a checkout session"`
}

// Provider opens hosted checkout sessions; the payer is sent to the session
// URL to enter card details.
type Provider struct {
	c    *remote.Client
	opts Options
}

// New returns a Provider.
func New(cfg remote.Config, opts Options, transport http.RoundTripper) (*Provider, error) {
	c, err := remote.New(name, cfg, transport)
	if err != nil {
		return nil, err
	}
	return &Provider{c: c, opts: opts}, nil
}

func (p *Provider) Method() payment.Method { return payment.MethodCard }

func (p *Provider) Create(ctx context.Context, ch payment.Charge) (*payment.Payment, error) {
	expires := time.Now().Add(p.opts.TTL)

	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("client_reference_id")
	e.Str(ch.OrderID)
	e.FieldStart("amount_cents")
	e.Int64(ch.Amount.Shift(2).Round(0).IntPart())
	e.FieldStart("currency")
	e.Str(p.opts.Currency)
	e.FieldStart("customer_email")
	e.Str(ch.Customer.Email)
	if p.opts.SuccessURL != "" {
		e.FieldStart("success_url")
		e.Str(p.opts.SuccessURL)
	}
	e.FieldStart("expires_at")
	e.Int64(expires.Unix())
	e.ObjEnd()

	data, err := p.c.Do(ctx, "create", http.MethodPost, "/v1/checkout/sessions", e.Bytes())
	if err != nil {
		return nil, err
	}

	out := payment.Payment{ExpiresAt: expires}
	if err := jx.DecodeBytes(data).Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "id":
			v, err := d.Str()
			out.Reference = v
			return err
		case "url":
			v, err := d.Str()
			out.Instructions = v
			return err
		case "expires_at":
			v, err := d.Int64()
			if err == nil && v > 0 {
				out.ExpiresAt = time.Unix(v, 0)
			}
			return err
		default:
			return d.Skip()
		}
	}); err != nil {
		return nil, p.c.Malformed("create", err)
	}
	if out.Reference == "" || out.Instructions == "" {
		return nil, p.c.Malformed("create", errors.New("missing id or url"))
	}
	return &out, nil
}

func (p *Provider) Status(ctx context.Context, reference string) (payment.Status, error) {
	data, err := p.c.Do(ctx, "status", http.MethodGet, "/v1/checkout/sessions/"+url.PathEscape(reference), nil)
	if err != nil {
		if remote.IsStatus(err, http.StatusNotFound) {
			return "", payment.ErrReferenceNotFound
		}
		return "", err
	}

	var session, paid string
	if err := jx.DecodeBytes(data).Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "status":
			v, err := d.Str()
			session = v
			return err
		case "payment_status":
			v, err := d.Str()
			paid = v
			return err
		default:
			return d.Skip()
		}
	}); err != nil {
		return "", p.c.Malformed("status", err)
	}

	switch {
	case paid == "paid":
		return payment.StatusPaid, nil
	case paid == "failed":
		return payment.StatusFailed, nil
	case session == "expired":
		return payment.StatusExpired, nil
	case session == "open" || session == "complete":
		return payment.StatusPending, nil
	default:
		return "", p.c.Malformed("status", errors.Errorf("unknown session status %q/%q", session, paid))
	}
}
