package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/xenking/kart-checkout/internal/domain/apperr"
	"github.com/xenking/kart-checkout/internal/domain/auth"
	"github.com/xenking/kart-checkout/internal/domain/cart"
	"github.com/xenking/kart-checkout/internal/domain/product"
)

func (h *Handler) getCart(w http.ResponseWriter, r *http.Request) {
	p := auth.FromContext(r.Context())
	items, err := h.carts.Items(r.Context(), p.UserID)
	if err != nil {
		fail(w, r, errors.Wrap(err, "load cart"))
		return
	}
	writeCart(w, items)
}

func (h *Handler) setCartItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p := auth.FromContext(ctx)
	productID := chi.URLParam(r, "productId")

	quantity := -1
	err := decodeObject(w, r, func(d *jx.Decoder, key string) error {
		if key != "quantity" {
			return d.Skip()
		}
		n, err := d.Int()
		quantity = n
		return err
	})
	if err != nil {
		fail(w, r, err)
		return
	}
	if quantity < 0 {
		fail(w, r, apperr.Validation("invalid_quantity", "quantity must be zero or greater"))
		return
	}

	if quantity > 0 {
		if _, err := h.products.GetByID(ctx, productID); err != nil {
			if errors.Is(err, product.ErrNotFound) {
				err = apperr.NotFound("product", productID)
			}
			fail(w, r, err)
			return
		}
	}
	if err := h.carts.SetQuantity(ctx, p.UserID, productID, quantity); err != nil {
		fail(w, r, errors.Wrap(err, "update cart"))
		return
	}

	items, err := h.carts.Items(ctx, p.UserID)
	if err != nil {
		fail(w, r, errors.Wrap(err, "load cart"))
		return
	}
	writeCart(w, items)
}

func writeCart(w http.ResponseWriter, items []cart.Item) {
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.ObjStart()
		e.FieldStart("items")
		e.ArrStart()
		for _, it := range items {
			e.ObjStart()
			e.FieldStart("productId")
			e.Str(it.ProductID)
			e.FieldStart("quantity")
			e.Int(it.Quantity)
			e.ObjEnd()
		}
		e.ArrEnd()
		e.ObjEnd()
	})
}
