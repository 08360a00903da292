package order

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/kart-checkout/internal/domain/apperr"
	"github.com/xenking/kart-checkout/internal/domain/auth"
	"github.com/xenking/kart-checkout/internal/domain/cart"
	"github.com/xenking/kart-checkout/internal/domain/coupon"
	"github.com/xenking/kart-checkout/internal/domain/inventory"
	"github.com/xenking/kart-checkout/internal/domain/notify"
	"github.com/xenking/kart-checkout/internal/domain/product"
	"github.com/xenking/kart-checkout/internal/domain/store"
)

// CouponPricer prices coupons and records redemptions.
type CouponPricer interface {
	Price(ctx context.Context, code string, c coupon.Context) (*coupon.Quote, error)
	// RecordUsage fails with a coupon rejection when a concurrent checkout
	// took the user's last redemption.
	RecordUsage(ctx context.Context, c coupon.Snapshot, userID, orderID string) error
}

// StockAllocator takes and releases warehouse stock for orders.
type StockAllocator interface {
	Allocate(ctx context.Context, orderID string, lines []inventory.Line, preferredStoreID string, dest *inventory.Location) (*inventory.Result, error)
	Release(ctx context.Context, orderID string) (bool, error)
}

// CheckoutRequest holds the input for turning a cart into an order.
type CheckoutRequest struct {
	Principal auth.Principal
	// StoreID defaults to the first active store when empty.
	StoreID      string
	Fulfillment  Fulfillment
	ShippingInfo *ShippingInfo
	CouponCode   string
	Costs        Costs
}

// CheckoutResult is a durably created order. Warnings lists the steps after
// creation that did not complete; the order stands regardless.
type CheckoutResult struct {
	Order    *Order
	Warnings []string
}

// Service implements checkout and the order lifecycle operations.
type Service struct {
	products product.Repository
	stores   store.Repository
	carts    cart.Repository
	coupons  CouponPricer
	stock    StockAllocator
	orders   Repository
	notifier *notify.BestEffort

	now   func() time.Time
	newID func() string
}

// NewService creates an order Service with the required domain dependencies.
func NewService(
	products product.Repository,
	stores store.Repository,
	carts cart.Repository,
	coupons CouponPricer,
	stock StockAllocator,
	orders Repository,
	notifier *notify.BestEffort,
) *Service {
	return &Service{
		products: products,
		stores:   stores,
		carts:    carts,
		coupons:  coupons,
		stock:    stock,
		orders:   orders,
		notifier: notifier,
		now:      time.Now,
		newID:    func() string { return uuid.New().String() },
	}
}

// Checkout turns the caller's cart into a PENDING order. Validation and
// pricing fail without side effects. Once the order is stored, later steps
// degrade to warnings instead of failing the checkout.
func (s *Service) Checkout(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error) {
	userID := req.Principal.UserID
	if req.Principal.Anonymous() {
		return nil, apperr.Forbidden("sign in to check out")
	}
	if err := validateRequest(&req); err != nil {
		return nil, err
	}

	items, err := s.carts.Items(ctx, userID)
	if err != nil {
		return nil, errors.Wrap(err, "load cart")
	}
	if len(items) == 0 {
		return nil, apperr.Validation("cart_empty", "cart is empty")
	}

	lines, products, err := s.priceLines(ctx, items)
	if err != nil {
		return nil, err
	}

	st, err := s.resolveStore(ctx, req.StoreID)
	if err != nil {
		return nil, err
	}

	subtotal := decimal.Zero
	for _, l := range lines {
		subtotal = subtotal.Add(l.LineTotal)
	}

	var quote *coupon.Quote
	if code := strings.TrimSpace(req.CouponCode); code != "" {
		shipping := req.Costs.Shipping
		quote, err = s.coupons.Price(ctx, code, coupon.Context{
			Amount:    subtotal,
			ProductID: singleProduct(lines),
			Category:  sharedCategory(products),
			StoreID:   st.ID,
			Shipping:  &shipping,
			UserID:    userID,
		})
		if err != nil {
			return nil, err
		}
	}

	discount := decimal.Zero
	if quote != nil {
		discount = quote.Discount
	}
	total, err := Total(subtotal, discount, req.Costs)
	if err != nil {
		return nil, apperr.Validation("invalid_costs", "%s", err.Error())
	}

	now := s.now()
	o := &Order{
		ID:          s.newID(),
		CustomerID:  userID,
		StoreID:     st.ID,
		Fulfillment: req.Fulfillment,
		Lines:       lines,
		Subtotal:    subtotal,
		Discount:    discount,
		Shipping:    req.Costs.Shipping,
		Insurance:   req.Costs.Insurance,
		Tax:         req.Costs.Tax,
		Total:       total,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if req.Fulfillment == FulfillmentDelivery {
		info := *req.ShippingInfo
		o.ShippingInfo = &info
	}
	if quote != nil {
		o.CouponID = quote.Coupon.ID
		o.CouponCode = quote.Coupon.Code
	}
	if err := s.orders.Create(ctx, o); err != nil {
		return nil, errors.Wrap(err, "create order")
	}

	lg := zctx.From(ctx).With(zap.String("order_id", o.ID), zap.String("user_id", userID))
	res := &CheckoutResult{Order: o}

	if quote != nil {
		if err := s.coupons.RecordUsage(ctx, quote.Coupon, userID, o.ID); err != nil {
			var rej *coupon.RejectedError
			if errors.As(err, &rej) {
				lg.Warn("Coupon over-redeemed, withdrawing order", zap.String("coupon", quote.Coupon.Code))
				s.withdraw(ctx, o.ID)
				return nil, err
			}
			lg.Error("Record coupon usage", zap.String("coupon", quote.Coupon.Code), zap.Error(err))
		}
	}

	alloc, err := s.stock.Allocate(ctx, o.ID, allocationLines(lines), o.StoreID, destination(o))
	if err != nil {
		lg.Error("Allocate stock", zap.Error(err))
		res.Warnings = append(res.Warnings, "stock allocation incomplete: "+allocationMessage(err))
	}
	if alloc != nil && alloc.StoreID != "" && alloc.StoreID != o.StoreID {
		if err := s.orders.UpdateStore(ctx, o.ID, alloc.StoreID); err != nil {
			lg.Error("Reassign order store", zap.String("store_id", alloc.StoreID), zap.Error(err))
		} else {
			o.StoreID = alloc.StoreID
		}
	}

	if err := s.carts.Clear(ctx, userID); err != nil {
		lg.Warn("Clear cart", zap.Error(err))
	}

	s.notifier.Send(ctx, notify.Notification{
		UserID:  userID,
		Kind:    notify.KindOrderCreated,
		OrderID: o.ID,
		Payload: map[string]string{"total": o.Total.StringFixed(2)},
	})
	if alloc != nil {
		s.sendStockAlerts(ctx, o, alloc.Updated)
	}

	lg.Info("Order created",
		zap.String("total", o.Total.StringFixed(2)),
		zap.String("store_id", o.StoreID),
		zap.Int("warnings", len(res.Warnings)),
	)
	return res, nil
}

// withdraw cancels an order that lost its coupon before any stock was taken.
// The release only stamps the order so sweeps skip it.
func (s *Service) withdraw(ctx context.Context, id string) {
	lg := zctx.From(ctx).With(zap.String("order_id", id))
	if _, err := s.orders.Transition(ctx, id, StatusCancelled, StatusPending); err != nil {
		lg.Error("Withdraw order", zap.Error(err))
		return
	}
	if _, err := s.stock.Release(ctx, id); err != nil {
		lg.Warn("Stamp withdrawn order released", zap.Error(err))
	}
}

// Get returns an order the caller may see.
func (s *Service) Get(ctx context.Context, p auth.Principal, id string) (*Order, error) {
	o, err := s.orders.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, apperr.NotFound("order", id)
		}
		return nil, errors.Wrap(err, "get order")
	}
	if !p.CanAccess(o.CustomerID) {
		return nil, apperr.Forbidden("order belongs to another customer")
	}
	return o, nil
}

// Cancel cancels a non-terminal order and credits its stock back. Calling it
// on a cancelled order whose stock was never released retries the release.
func (s *Service) Cancel(ctx context.Context, p auth.Principal, id string) (*Order, error) {
	o, err := s.Get(ctx, p, id)
	if err != nil {
		return nil, err
	}

	if o.Status == StatusCancelled {
		if o.StockReleasedAt != nil {
			return nil, apperr.BusinessRule("order_already_cancelled", "order %s is already cancelled", id)
		}
	} else {
		ok, err := s.orders.Transition(ctx, id, StatusCancelled, AllowedFrom(StatusCancelled)...)
		if err != nil {
			return nil, errors.Wrap(err, "cancel order")
		}
		if !ok {
			return nil, s.transitionRejected(ctx, id, StatusCancelled)
		}
		s.notifier.Send(ctx, notify.Notification{
			UserID:  o.CustomerID,
			Kind:    notify.KindOrderCancelled,
			OrderID: id,
		})
	}

	if _, err := s.stock.Release(ctx, id); err != nil {
		return nil, errors.Wrap(err, "release stock")
	}
	return s.reload(ctx, id)
}

// Ship marks a preparing order as shipped.
func (s *Service) Ship(ctx context.Context, p auth.Principal, id string) (*Order, error) {
	return s.advance(ctx, p, id, StatusShipped, notify.KindOrderShipped)
}

// Deliver marks a shipped order as delivered.
func (s *Service) Deliver(ctx context.Context, p auth.Principal, id string) (*Order, error) {
	return s.advance(ctx, p, id, StatusDelivered, notify.KindOrderDelivered)
}

func (s *Service) advance(ctx context.Context, p auth.Principal, id string, to Status, kind notify.Kind) (*Order, error) {
	if !p.IsAdmin() {
		return nil, apperr.Forbidden("only staff may update fulfillment")
	}
	o, err := s.Get(ctx, p, id)
	if err != nil {
		return nil, err
	}
	ok, err := s.orders.Transition(ctx, id, to, AllowedFrom(to)...)
	if err != nil {
		return nil, errors.Wrapf(err, "move order to %s", to)
	}
	if !ok {
		return nil, s.transitionRejected(ctx, id, to)
	}
	s.notifier.Send(ctx, notify.Notification{UserID: o.CustomerID, Kind: kind, OrderID: id})
	return s.reload(ctx, id)
}

func (s *Service) transitionRejected(ctx context.Context, id string, to Status) error {
	current, err := s.orders.Get(ctx, id)
	if err != nil {
		return errors.Wrap(err, "reload order")
	}
	return apperr.BusinessRule("invalid_transition",
		"order %s is %s and cannot become %s", id, current.Status, to)
}

func (s *Service) reload(ctx context.Context, id string) (*Order, error) {
	o, err := s.orders.Get(ctx, id)
	if err != nil {
		return nil, errors.Wrap(err, "reload order")
	}
	return o, nil
}

func (s *Service) priceLines(ctx context.Context, items []cart.Item) ([]Line, []product.Product, error) {
	ids := make([]string, len(items))
	for i, item := range items {
		if item.Quantity <= 0 {
			return nil, nil, apperr.Validation("invalid_quantity",
				"quantity must be greater than 0 for product %s", item.ProductID)
		}
		ids[i] = item.ProductID
	}

	fetched, err := s.products.GetByIDs(ctx, ids)
	if err != nil {
		return nil, nil, errors.Wrap(err, "get products")
	}
	byID := make(map[string]product.Product, len(fetched))
	for _, p := range fetched {
		byID[p.ID] = p
	}

	lines := make([]Line, len(items))
	products := make([]product.Product, len(items))
	for i, item := range items {
		p, ok := byID[item.ProductID]
		if !ok {
			return nil, nil, apperr.NotFound("product", item.ProductID)
		}
		if !p.Available {
			return nil, nil, apperr.BusinessRule("product_unavailable",
				"%s is no longer available, remove it from the cart", p.Name)
		}
		price := p.Price.Round(2)
		lines[i] = Line{
			ProductID: p.ID,
			Quantity:  item.Quantity,
			UnitPrice: price,
			LineTotal: price.Mul(decimal.NewFromInt(int64(item.Quantity))),
		}
		products[i] = p
	}
	return lines, products, nil
}

func (s *Service) resolveStore(ctx context.Context, id string) (*store.Store, error) {
	var (
		st  *store.Store
		err error
	)
	if id == "" {
		st, err = s.stores.FirstActive(ctx)
	} else {
		st, err = s.stores.GetByID(ctx, id)
	}
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			if id == "" {
				return nil, apperr.New(apperr.KindNotFound, "store_not_found", "no active store is available")
			}
			return nil, apperr.NotFound("store", id)
		}
		return nil, errors.Wrap(err, "resolve store")
	}
	if !st.Active {
		return nil, apperr.BusinessRule("store_inactive", "store %s is not accepting orders", st.Name)
	}
	return st, nil
}

func (s *Service) sendStockAlerts(ctx context.Context, o *Order, records []inventory.StockRecord) {
	managers := make(map[string]string)
	manager := func(storeID string) string {
		if storeID == "" {
			storeID = o.StoreID
		}
		if m, ok := managers[storeID]; ok {
			return m
		}
		st, err := s.stores.GetByID(ctx, storeID)
		if err != nil {
			zctx.From(ctx).Debug("Resolve store manager", zap.String("store_id", storeID), zap.Error(err))
			managers[storeID] = ""
			return ""
		}
		managers[storeID] = st.ManagerID
		return st.ManagerID
	}

	for _, r := range records {
		var kind notify.Kind
		switch {
		case r.Quantity <= 0:
			kind = notify.KindStockOut
		case r.StoreID != "" && r.Low():
			kind = notify.KindStockLow
		default:
			continue
		}
		to := manager(r.StoreID)
		if to == "" {
			continue
		}
		s.notifier.Send(ctx, notify.Notification{
			UserID:  to,
			Kind:    kind,
			OrderID: o.ID,
			Payload: map[string]string{
				"product_id": r.ProductID,
				"store_id":   r.StoreID,
				"quantity":   fmt.Sprint(r.Quantity),
			},
		})
	}
}

func validateRequest(req *CheckoutRequest) error {
	switch req.Fulfillment {
	case "":
		req.Fulfillment = FulfillmentPickup
	case FulfillmentPickup, FulfillmentDelivery:
	default:
		return apperr.Validation("invalid_fulfillment", "unknown fulfillment %q", req.Fulfillment)
	}
	if req.Fulfillment == FulfillmentDelivery {
		si := req.ShippingInfo
		if si == nil || strings.TrimSpace(si.Address) == "" {
			return apperr.Validation("shipping_info_required", "delivery orders need a shipping address")
		}
	}
	for name, v := range map[string]decimal.Decimal{
		"shipping":  req.Costs.Shipping,
		"insurance": req.Costs.Insurance,
		"tax":       req.Costs.Tax,
	} {
		if v.IsNegative() {
			return apperr.Validation("invalid_costs", "%s must not be negative", name)
		}
		if !WholeCents(v) {
			return apperr.Validation("invalid_costs", "%s has more than 2 decimal places", name)
		}
	}
	return nil
}

func allocationLines(lines []Line) []inventory.Line {
	out := make([]inventory.Line, len(lines))
	for i, l := range lines {
		out[i] = inventory.Line{ProductID: l.ProductID, Quantity: l.Quantity}
	}
	return out
}

// destination returns nil for pickup orders. A delivery order without a
// usable state is served like a pickup from the nominal store.
func destination(o *Order) *inventory.Location {
	if o.Fulfillment != FulfillmentDelivery || o.ShippingInfo == nil {
		return nil
	}
	loc := &inventory.Location{City: o.ShippingInfo.City, State: o.ShippingInfo.State}
	if !loc.Known() {
		return nil
	}
	return loc
}

func allocationMessage(err error) string {
	var shortage *inventory.InsufficientStockError
	if errors.As(err, &shortage) {
		return shortage.Error()
	}
	return "temporary failure"
}

func singleProduct(lines []Line) string {
	id := lines[0].ProductID
	for _, l := range lines[1:] {
		if l.ProductID != id {
			return ""
		}
	}
	return id
}

func sharedCategory(products []product.Product) string {
	c := strings.ToLower(strings.TrimSpace(products[0].Category))
	for _, p := range products[1:] {
		if strings.ToLower(strings.TrimSpace(p.Category)) != c {
			return ""
		}
	}
	return products[0].Category
}
