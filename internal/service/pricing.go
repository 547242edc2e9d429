package service

import (
	"math"

	"kirimaja/backend/internal/domain"
	"kirimaja/backend/internal/store"
)

// QuotePrice suggests a sale price from a unit cost. Pure calculation, no
// side effects; the stock-in path may call it but never depends on it.
func QuotePrice(req domain.PriceQuoteRequest) (domain.PriceQuote, error) {
	if req.CostCents < 1 {
		return domain.PriceQuote{}, store.ErrInvalidInput
	}
	if req.TargetProfitPercent < 0 {
		return domain.PriceQuote{}, store.ErrInvalidInput
	}
	if req.PercentDiscount < 0 || req.PercentDiscount > 100 {
		return domain.PriceQuote{}, store.ErrInvalidInput
	}

	base := int64(math.Round(float64(req.CostCents) * (1 + req.TargetProfitPercent/100)))
	final := int64(math.Round(float64(base) * (1 - req.PercentDiscount/100)))
	profit := final - req.CostCents

	quote := domain.PriceQuote{
		BasePriceCents:     base,
		FinalPriceCents:    final,
		ProfitPerUnitCents: profit,
	}
	if final > 0 {
		quote.MarginPercent = float64(profit) / float64(final) * 100
	}
	quote.MarkupPercent = float64(profit) / float64(req.CostCents) * 100

	return quote, nil
}
