package discount

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"kirimaja/backend/internal/domain"
)

// Coupon is a single redeemable discount rule. Either PercentOff or
// AmountOffCents is set, never both.
type Coupon struct {
	Code             string
	PercentOff       float64
	AmountOffCents   int64
	MinSubtotalCents int64
	MaxDiscountCents int64
	ValidFrom        time.Time
	ValidUntil       time.Time
	MinTotalOrderQty int
}

// Engine resolves coupon codes against an in-memory rule table. It
// implements the order service's DiscountComputer.
type Engine struct {
	mu      sync.RWMutex
	coupons map[string]Coupon
}

func NewEngine(coupons ...Coupon) *Engine {
	e := &Engine{coupons: make(map[string]Coupon, len(coupons))}
	for _, coupon := range coupons {
		e.Register(coupon)
	}
	return e
}

func (e *Engine) Register(coupon Coupon) {
	code := normalizeCode(coupon.Code)
	if code == "" {
		return
	}
	coupon.Code = code

	e.mu.Lock()
	e.coupons[code] = coupon
	e.mu.Unlock()
}

func (e *Engine) ComputeDiscount(_ context.Context, subtotalCents int64, items []domain.OrderItem, couponCode string) (int64, error) {
	code := normalizeCode(couponCode)
	if code == "" {
		return 0, nil
	}

	e.mu.RLock()
	coupon, ok := e.coupons[code]
	e.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("unknown coupon %q", code)
	}

	now := time.Now().UTC()
	if !coupon.ValidFrom.IsZero() && now.Before(coupon.ValidFrom) {
		return 0, fmt.Errorf("coupon %q is not active yet", code)
	}
	if !coupon.ValidUntil.IsZero() && now.After(coupon.ValidUntil) {
		return 0, fmt.Errorf("coupon %q has expired", code)
	}
	if subtotalCents < coupon.MinSubtotalCents {
		return 0, fmt.Errorf("coupon %q requires a subtotal of at least %d", code, coupon.MinSubtotalCents)
	}
	if coupon.MinTotalOrderQty > 0 {
		total := 0
		for _, item := range items {
			total += item.Quantity
		}
		if total < coupon.MinTotalOrderQty {
			return 0, fmt.Errorf("coupon %q requires at least %d units", code, coupon.MinTotalOrderQty)
		}
	}

	discount := coupon.AmountOffCents
	if coupon.PercentOff > 0 {
		discount = int64(math.Round(float64(subtotalCents) * coupon.PercentOff / 100))
	}
	if coupon.MaxDiscountCents > 0 && discount > coupon.MaxDiscountCents {
		discount = coupon.MaxDiscountCents
	}
	if discount > subtotalCents {
		discount = subtotalCents
	}
	if discount < 0 {
		discount = 0
	}
	return discount, nil
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Defaults is the standing promo table used when no external coupon source
// is configured.
func Defaults() []Coupon {
	return []Coupon{
		{Code: "HEMAT10", PercentOff: 10, MinSubtotalCents: 50000, MaxDiscountCents: 50000},
		{Code: "ONGKIRGRATIS", AmountOffCents: 10000, MinSubtotalCents: 100000},
		{Code: "BORONG", PercentOff: 15, MinTotalOrderQty: 5, MaxDiscountCents: 100000},
	}
}
