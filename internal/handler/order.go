package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/kart-checkout/internal/domain/apperr"
	"github.com/xenking/kart-checkout/internal/domain/auth"
	"github.com/xenking/kart-checkout/internal/domain/coupon"
	"github.com/xenking/kart-checkout/internal/domain/order"
)

// IdempotencyHeader lets clients retry a checkout without creating a second
// order.
const IdempotencyHeader = "Idempotency-Key"

func (h *Handler) checkout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p := auth.FromContext(ctx)

	req := order.CheckoutRequest{Principal: p}
	if err := decodeObject(w, r, func(d *jx.Decoder, key string) error {
		return decodeCheckoutField(d, key, &req)
	}); err != nil {
		fail(w, r, err)
		return
	}

	claimed := ""
	if key := r.Header.Get(IdempotencyHeader); key != "" && h.idem != nil {
		claimKey := "checkout:" + p.UserID + ":" + key
		fresh, err := h.idem.Claim(ctx, claimKey)
		switch {
		case err != nil:
			// Proceed without deduplication.
			zctx.From(ctx).Warn("Idempotency claim failed", zap.Error(err))
		case !fresh:
			writeError(w, http.StatusConflict, "duplicate_request", "checkout with this idempotency key is already in progress or done")
			return
		default:
			claimed = claimKey
		}
	}

	res, err := h.orders.Checkout(ctx, req)
	if err != nil {
		if claimed != "" && apperr.KindOf(err) != apperr.KindUnknown {
			// Nothing was created; let the client retry with the same key.
			h.forget(ctx, claimed)
		}
		fail(w, r, checkoutError(err))
		return
	}

	writeJSON(w, http.StatusCreated, func(e *jx.Encoder) {
		e.ObjStart()
		e.FieldStart("orderId")
		e.Str(res.Order.ID)
		encodeOrderFields(e, res.Order)
		if len(res.Warnings) > 0 {
			e.FieldStart("warnings")
			e.ArrStart()
			for _, msg := range res.Warnings {
				e.Str(msg)
			}
			e.ArrEnd()
		}
		e.ObjEnd()
	})
}

// checkoutError reports coupon rejections as a bad request carrying the
// engine's reason, whatever kind the engine gave them.
func checkoutError(err error) error {
	var rej *coupon.RejectedError
	if errors.As(err, &rej) {
		return apperr.Wrap(err, apperr.KindValidation, rej.Reason, rej.Message)
	}
	return err
}

func (h *Handler) forget(ctx context.Context, key string) {
	if err := h.idem.Forget(ctx, key); err != nil {
		zctx.From(ctx).Warn("Idempotency release failed", zap.Error(err))
	}
}

func decodeCheckoutField(d *jx.Decoder, key string, req *order.CheckoutRequest) error {
	var err error
	switch key {
	case "storeId":
		req.StoreID, err = d.Str()
	case "fulfillment":
		var s string
		s, err = d.Str()
		req.Fulfillment = order.Fulfillment(s)
	case "couponCode":
		if d.Next() == jx.Null {
			return d.Null()
		}
		req.CouponCode, err = d.Str()
	case "shipping":
		req.Costs.Shipping, err = readDecimal(d)
	case "insurance":
		req.Costs.Insurance, err = readDecimal(d)
	case "tax":
		req.Costs.Tax, err = readDecimal(d)
	case "shippingInfo":
		if d.Next() == jx.Null {
			return d.Null()
		}
		si := &order.ShippingInfo{}
		err = d.Obj(func(d *jx.Decoder, key string) error {
			var err error
			switch key {
			case "address":
				si.Address, err = d.Str()
			case "city":
				si.City, err = d.Str()
			case "state":
				si.State, err = d.Str()
			case "zip":
				si.Zip, err = d.Str()
			case "phone":
				si.Phone, err = d.Str()
			default:
				err = d.Skip()
			}
			return err
		})
		req.ShippingInfo = si
	default:
		err = d.Skip()
	}
	return errors.Wrap(err, key)
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	h.orderAction(w, r, h.orders.Get)
}

func (h *Handler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	h.orderAction(w, r, h.orders.Cancel)
}

func (h *Handler) shipOrder(w http.ResponseWriter, r *http.Request) {
	h.orderAction(w, r, h.orders.Ship)
}

func (h *Handler) deliverOrder(w http.ResponseWriter, r *http.Request) {
	h.orderAction(w, r, h.orders.Deliver)
}

func (h *Handler) orderAction(
	w http.ResponseWriter,
	r *http.Request,
	action func(context.Context, auth.Principal, string) (*order.Order, error),
) {
	ctx := r.Context()
	o, err := action(ctx, auth.FromContext(ctx), chi.URLParam(r, "id"))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.ObjStart()
		encodeOrderFields(e, o)
		e.ObjEnd()
	})
}

func encodeOrderFields(e *jx.Encoder, o *order.Order) {
	e.FieldStart("id")
	e.Str(o.ID)
	e.FieldStart("status")
	e.Str(string(o.Status))
	e.FieldStart("customerId")
	e.Str(o.CustomerID)
	e.FieldStart("storeId")
	e.Str(o.StoreID)
	e.FieldStart("fulfillment")
	e.Str(string(o.Fulfillment))

	e.FieldStart("lines")
	e.ArrStart()
	for _, l := range o.Lines {
		e.ObjStart()
		e.FieldStart("productId")
		e.Str(l.ProductID)
		e.FieldStart("quantity")
		e.Int(l.Quantity)
		e.FieldStart("unitPrice")
		money(e, l.UnitPrice)
		e.FieldStart("lineTotal")
		money(e, l.LineTotal)
		e.ObjEnd()
	}
	e.ArrEnd()

	e.FieldStart("subtotal")
	money(e, o.Subtotal)
	e.FieldStart("discount")
	money(e, o.Discount)
	e.FieldStart("shipping")
	money(e, o.Shipping)
	e.FieldStart("insurance")
	money(e, o.Insurance)
	e.FieldStart("tax")
	money(e, o.Tax)
	e.FieldStart("total")
	money(e, o.Total)
	optField(e, "couponCode", o.CouponCode)

	if si := o.ShippingInfo; si != nil {
		e.FieldStart("shippingInfo")
		e.ObjStart()
		e.FieldStart("address")
		e.Str(si.Address)
		e.FieldStart("city")
		e.Str(si.City)
		e.FieldStart("state")
		e.Str(si.State)
		e.FieldStart("zip")
		e.Str(si.Zip)
		optField(e, "phone", si.Phone)
		e.ObjEnd()
	}

	if pay := o.Payment; pay.Reference != "" {
		e.FieldStart("payment")
		e.ObjStart()
		e.FieldStart("method")
		e.Str(pay.Method)
		e.FieldStart("providerReference")
		e.Str(pay.Reference)
		optField(e, "payerInstructions", pay.Instructions)
		optTime(e, "expiresAt", pay.ExpiresAt)
		e.ObjEnd()
	}

	e.FieldStart("createdAt")
	timestamp(e, o.CreatedAt)
	e.FieldStart("updatedAt")
	timestamp(e, o.UpdatedAt)
	optTime(e, "shippedAt", o.ShippedAt)
	optTime(e, "deliveredAt", o.DeliveredAt)
	optTime(e, "cancelledAt", o.CancelledAt)
}
