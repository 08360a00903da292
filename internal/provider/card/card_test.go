package card

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/kart-checkout/internal/domain/payment"
	"github.com/xenking/kart-checkout/internal/provider/remote"
)

func newProvider(t *testing.T, h http.HandlerFunc) *Provider {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	p, err := New(remote.Config{BaseURL: srv.URL, Timeout: time.Second},
		Options{Currency: "usd", TTL: time.Hour}, nil)
	require.NoError(t, err)
	return p
}

func TestCreate(t *testing.T) {
	var cents int64
	p := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/checkout/sessions", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		_ = jx.DecodeBytes(body).Obj(func(d *jx.Decoder, key string) error {
			if key == "amount_cents" {
				v, err := d.Int64()
				cents = v
				return err
			}
			return d.Skip()
		})
		_, _ = w.Write([]byte(`{"id":"cs_1","url":"https://pay.example/cs_1","expires_at":1750000000}`))
	})

	pay, err := p.Create(context.Background(), payment.Charge{
		OrderID:  "o1",
		Amount:   decimal.RequireFromString("12.34"),
		Customer: payment.Customer{Email: "a@b.c"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1234), cents)
	assert.Equal(t, "cs_1", pay.Reference)
	assert.Equal(t, "https://pay.example/cs_1", pay.Instructions)
	assert.Equal(t, int64(1750000000), pay.ExpiresAt.Unix())
}

func TestStatus(t *testing.T) {
	tests := []struct {
		body string
		want payment.Status
	}{
		{`{"status":"open","payment_status":"unpaid"}`, payment.StatusPending},
		{`{"status":"complete","payment_status":"paid"}`, payment.StatusPaid},
		{`{"status":"expired","payment_status":"unpaid"}`, payment.StatusExpired},
		{`{"status":"open","payment_status":"failed"}`, payment.StatusFailed},
	}
	for _, tt := range tests {
		t.Run(string(tt.want), func(t *testing.T) {
			p := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(tt.body))
			})
			st, err := p.Status(context.Background(), "cs_1")
			require.NoError(t, err)
			assert.Equal(t, tt.want, st)
		})
	}
}

func TestStatus_NotFound(t *testing.T) {
	p := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	_, err := p.Status(context.Background(), "cs_1")
	require.ErrorIs(t, err, payment.ErrReferenceNotFound)
}
