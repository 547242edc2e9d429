package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"kirimaja/backend/internal/domain"
	"kirimaja/backend/internal/metrics"
	"kirimaja/backend/internal/store"
)

const statsCacheKey = "inventory:stats"

func normalizeKey(key domain.ItemKey) domain.ItemKey {
	return domain.ItemKey{
		ProductID: strings.TrimSpace(key.ProductID),
		VariantID: strings.TrimSpace(key.VariantID),
		Size:      strings.TrimSpace(key.Size),
	}
}

func (s *Service) StockIn(ctx context.Context, req domain.StockInRequest) (domain.InventoryItem, domain.InventoryTransaction, error) {
	if _, err := s.requireRole(ctx, "staff", "admin"); err != nil {
		return domain.InventoryItem{}, domain.InventoryTransaction{}, err
	}

	key := normalizeKey(req.Key)
	if key.IsZero() {
		return domain.InventoryItem{}, domain.InventoryTransaction{}, store.ErrInvalidInput
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "restock"
	}

	item, txn, err := s.repo.StockIn(ctx, key, req.Quantity, req.UnitCostCents, req.LowStockThreshold, reason, "", s.actorName(ctx), time.Now().UTC())
	if err != nil {
		return domain.InventoryItem{}, domain.InventoryTransaction{}, err
	}

	metrics.StockOperationsTotal.WithLabelValues(domain.TxnTypeIn).Inc()
	s.invalidateStats(ctx)
	s.logAudit(ctx, "stock_in", "inventory_item", key.String(), fmt.Sprintf("qty=%d,cost=%d", req.Quantity, req.UnitCostCents))

	return *item, *txn, nil
}

func (s *Service) StockOut(ctx context.Context, req domain.StockOutRequest) (domain.InventoryItem, domain.InventoryTransaction, error) {
	if _, err := s.requireRole(ctx, "staff", "admin"); err != nil {
		return domain.InventoryItem{}, domain.InventoryTransaction{}, err
	}

	key := normalizeKey(req.Key)
	if key.IsZero() {
		return domain.InventoryItem{}, domain.InventoryTransaction{}, store.ErrInvalidInput
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "manual"
	}

	item, txn, err := s.repo.StockOut(ctx, key, req.Quantity, reason, strings.TrimSpace(req.Reference), s.actorName(ctx), time.Now().UTC())
	if err != nil {
		return domain.InventoryItem{}, domain.InventoryTransaction{}, err
	}

	metrics.StockOperationsTotal.WithLabelValues(domain.TxnTypeOut).Inc()
	s.invalidateStats(ctx)
	s.logAudit(ctx, "stock_out", "inventory_item", key.String(), fmt.Sprintf("qty=%d,reason=%s", req.Quantity, reason))

	return *item, *txn, nil
}

func (s *Service) AdjustStock(ctx context.Context, req domain.AdjustStockRequest) (domain.InventoryItem, domain.InventoryTransaction, error) {
	if _, err := s.requireRole(ctx, "staff", "admin"); err != nil {
		return domain.InventoryItem{}, domain.InventoryTransaction{}, err
	}

	key := normalizeKey(req.Key)
	if key.IsZero() {
		return domain.InventoryItem{}, domain.InventoryTransaction{}, store.ErrInvalidInput
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "stocktake"
	}

	item, txn, err := s.repo.AdjustStock(ctx, key, req.NewQuantity, reason, s.actorName(ctx), time.Now().UTC())
	if err != nil {
		return domain.InventoryItem{}, domain.InventoryTransaction{}, err
	}

	metrics.StockOperationsTotal.WithLabelValues(domain.TxnTypeAdjust).Inc()
	s.invalidateStats(ctx)
	s.logAudit(ctx, "adjust_stock", "inventory_item", key.String(), fmt.Sprintf("new_qty=%d,reason=%s", req.NewQuantity, reason))

	return *item, *txn, nil
}

func (s *Service) GetInventoryItem(ctx context.Context, key domain.ItemKey) (domain.InventoryItem, error) {
	key = normalizeKey(key)
	if key.IsZero() {
		return domain.InventoryItem{}, store.ErrInvalidInput
	}

	item, err := s.repo.GetInventoryItem(ctx, key)
	if err != nil {
		return domain.InventoryItem{}, err
	}
	return *item, nil
}

func (s *Service) ListInventory(ctx context.Context, lowStockOnly bool) ([]domain.InventoryItem, error) {
	return s.repo.ListInventoryItems(ctx, lowStockOnly)
}

func (s *Service) ListInventoryTransactions(ctx context.Context, key *domain.ItemKey, limit int) ([]domain.InventoryTransaction, error) {
	if key != nil {
		normalized := normalizeKey(*key)
		if normalized.IsZero() {
			return nil, store.ErrInvalidInput
		}
		key = &normalized
	}
	if limit < 1 || limit > 500 {
		limit = 100
	}
	return s.repo.ListInventoryTransactions(ctx, key, limit)
}

func (s *Service) InventoryStats(ctx context.Context) (domain.InventoryStats, error) {
	if cached, hit, err := s.stats.Get(ctx, statsCacheKey); err == nil && hit {
		return *cached, nil
	}

	stats, err := s.repo.GetInventoryStats(ctx)
	if err != nil {
		return domain.InventoryStats{}, err
	}

	if err := s.stats.Set(ctx, statsCacheKey, &stats, s.statsCacheTTL); err != nil {
		s.logger.Warn("stats cache write failed", zap.Error(err))
	}
	return stats, nil
}

func (s *Service) invalidateStats(ctx context.Context) {
	if err := s.stats.Invalidate(ctx, statsCacheKey); err != nil {
		s.logger.Warn("stats cache invalidate failed", zap.Error(err))
	}
}
