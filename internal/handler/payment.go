package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/xenking/kart-checkout/internal/domain/apperr"
	"github.com/xenking/kart-checkout/internal/domain/auth"
	"github.com/xenking/kart-checkout/internal/domain/payment"
)

func (h *Handler) createPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var (
		orderID, method string
		customer        payment.Customer
	)
	err := decodeObject(w, r, func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "orderId":
			orderID, err = d.Str()
		case "method":
			method, err = d.Str()
		case "customer":
			err = d.Obj(func(d *jx.Decoder, key string) error {
				var err error
				switch key {
				case "name":
					customer.Name, err = d.Str()
				case "email":
					customer.Email, err = d.Str()
				case "phone":
					customer.Phone, err = d.Str()
				default:
					err = d.Skip()
				}
				return err
			})
		default:
			err = d.Skip()
		}
		return errors.Wrap(err, key)
	})
	if err != nil {
		fail(w, r, err)
		return
	}
	if orderID == "" {
		fail(w, r, apperr.Validation("order_id_required", "orderId is required"))
		return
	}
	m, ok := payment.ParseMethod(method)
	if !ok {
		fail(w, r, apperr.Validation("invalid_payment_method", "unknown payment method %q", method))
		return
	}

	pay, err := h.payments.CreatePayment(ctx, auth.FromContext(ctx), orderID, m, customer)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.ObjStart()
		e.FieldStart("orderId")
		e.Str(orderID)
		e.FieldStart("method")
		e.Str(string(m))
		e.FieldStart("providerReference")
		e.Str(pay.Reference)
		e.FieldStart("payerInstructions")
		e.Str(pay.Instructions)
		e.FieldStart("expiresAt")
		timestamp(e, pay.ExpiresAt)
		e.ObjEnd()
	})
}

func (h *Handler) paymentStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orderID := chi.URLParam(r, "orderId")
	out, err := h.reconciler.Reconcile(ctx, auth.FromContext(ctx), orderID)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeOutcome(w, orderID, out)
}

// notifyPayment handles provider callbacks. Only the reference is read from
// the body; the outcome is always re-queried from the provider.
func (h *Handler) notifyPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	m, ok := payment.ParseMethod(chi.URLParam(r, "method"))
	if !ok {
		fail(w, r, apperr.Validation("invalid_payment_method", "unknown payment method %q", chi.URLParam(r, "method")))
		return
	}

	var reference string
	err := decodeObject(w, r, func(d *jx.Decoder, key string) error {
		switch key {
		case "reference", "providerReference", "id":
			if d.Next() != jx.String {
				return d.Skip()
			}
			s, err := d.Str()
			if reference == "" {
				reference = s
			}
			return err
		default:
			return d.Skip()
		}
	})
	if err != nil {
		fail(w, r, err)
		return
	}

	out, err := h.reconciler.Confirm(ctx, m, reference)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeOutcome(w, "", out)
}

func (h *Handler) simulatePayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !auth.FromContext(ctx).IsAdmin() {
		fail(w, r, apperr.Forbidden("only staff may simulate payments"))
		return
	}

	var orderID, status string
	err := decodeObject(w, r, func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "orderId":
			orderID, err = d.Str()
		case "status":
			status, err = d.Str()
		default:
			err = d.Skip()
		}
		return err
	})
	if err != nil {
		fail(w, r, err)
		return
	}

	s := payment.Status(status)
	switch s {
	case payment.StatusPaid, payment.StatusPending, payment.StatusExpired, payment.StatusFailed:
	default:
		fail(w, r, apperr.Validation("invalid_payment_status", "unknown payment status %q", status))
		return
	}
	if err := h.payments.Simulate(ctx, orderID, s); err != nil {
		fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeOutcome(w http.ResponseWriter, orderID string, out *payment.Outcome) {
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.ObjStart()
		optField(e, "orderId", orderID)
		e.FieldStart("providerStatus")
		e.Str(string(out.ProviderStatus))
		e.FieldStart("orderStatus")
		e.Str(string(out.OrderStatus))
		e.FieldStart("advanced")
		e.Bool(out.Advanced)
		e.ObjEnd()
	})
}
