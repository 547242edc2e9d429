package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"kirimaja/backend/internal/domain"
	"kirimaja/backend/internal/store"
	"kirimaja/backend/internal/xid"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// ---- inventory ledger ----

const itemColumns = `product_id, variant_id, size, quantity, cost_cents, average_cost_cents, low_stock_threshold, created_at, updated_at`

func scanItem(row interface{ Scan(...any) error }) (domain.InventoryItem, error) {
	var item domain.InventoryItem
	err := row.Scan(
		&item.Key.ProductID,
		&item.Key.VariantID,
		&item.Key.Size,
		&item.Quantity,
		&item.CostCents,
		&item.AverageCostCents,
		&item.LowStockThreshold,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return item, err
	}
	item.CreatedAt = item.CreatedAt.UTC()
	item.UpdatedAt = item.UpdatedAt.UTC()
	return item, nil
}

func (s *Store) GetInventoryItem(ctx context.Context, key domain.ItemKey) (*domain.InventoryItem, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+itemColumns+`
		FROM inventory_items
		WHERE product_id = $1 AND variant_id = $2 AND size = $3
	`, key.ProductID, key.VariantID, key.Size)

	item, err := scanItem(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrItemNotFound
		}
		return nil, err
	}
	return &item, nil
}

func (s *Store) ListInventoryItems(ctx context.Context, lowStockOnly bool) ([]domain.InventoryItem, error) {
	query := `
		SELECT ` + itemColumns + `
		FROM inventory_items
	`
	if lowStockOnly {
		query += ` WHERE low_stock_threshold > 0 AND quantity <= low_stock_threshold`
	}
	query += ` ORDER BY product_id, variant_id, size`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.InventoryItem, 0, 128)
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

// getItemForUpdate locks the item row for the remainder of the transaction.
func getItemForUpdate(ctx context.Context, tx *sql.Tx, key domain.ItemKey) (domain.InventoryItem, bool, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT `+itemColumns+`
		FROM inventory_items
		WHERE product_id = $1 AND variant_id = $2 AND size = $3
		FOR UPDATE
	`, key.ProductID, key.VariantID, key.Size)

	item, err := scanItem(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.InventoryItem{}, false, nil
		}
		return domain.InventoryItem{}, false, err
	}
	return item, true, nil
}

func insertLedgerRow(ctx context.Context, tx *sql.Tx, txn domain.InventoryTransaction) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO inventory_transactions (
			id, product_id, variant_id, size, type, quantity_before, quantity_change,
			quantity_after, cost_cents, total_cost_cents, reason, reference, performed_by, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`, txn.ID, txn.Key.ProductID, txn.Key.VariantID, txn.Key.Size, txn.Type, txn.QuantityBefore,
		txn.QuantityChange, txn.QuantityAfter, txn.CostCents, txn.TotalCostCents, txn.Reason,
		nullIfEmpty(txn.Reference), txn.PerformedBy, txn.CreatedAt)
	return err
}

func stockInTx(ctx context.Context, tx *sql.Tx, key domain.ItemKey, qty int, unitCostCents int64, threshold int, reason, reference, performedBy string, at time.Time) (*domain.InventoryItem, *domain.InventoryTransaction, error) {
	if key.IsZero() {
		return nil, nil, store.ErrInvalidInput
	}
	if qty < 1 || unitCostCents < 0 {
		return nil, nil, store.ErrInvalidQuantity
	}

	item, exists, err := getItemForUpdate(ctx, tx, key)
	if err != nil {
		return nil, nil, err
	}
	if !exists {
		item = domain.InventoryItem{Key: key, LowStockThreshold: threshold, CreatedAt: at}
	}

	before := item.Quantity
	item.AverageCostCents = weightedAverage(item.AverageCostCents, before, unitCostCents, qty)
	item.CostCents = unitCostCents
	item.Quantity = before + qty
	if threshold > 0 {
		item.LowStockThreshold = threshold
	}
	item.UpdatedAt = at

	if err := upsertItem(ctx, tx, item); err != nil {
		return nil, nil, err
	}

	txn := domain.InventoryTransaction{
		ID:             xid.New("itx"),
		Key:            key,
		Type:           domain.TxnTypeIn,
		QuantityBefore: before,
		QuantityChange: qty,
		QuantityAfter:  item.Quantity,
		CostCents:      unitCostCents,
		TotalCostCents: unitCostCents * int64(qty),
		Reason:         reason,
		Reference:      reference,
		PerformedBy:    performedBy,
		CreatedAt:      at,
	}
	if err := insertLedgerRow(ctx, tx, txn); err != nil {
		return nil, nil, err
	}
	return &item, &txn, nil
}

func stockOutTx(ctx context.Context, tx *sql.Tx, key domain.ItemKey, qty int, reason, reference, performedBy string, at time.Time) (*domain.InventoryItem, *domain.InventoryTransaction, error) {
	if qty < 1 {
		return nil, nil, store.ErrInvalidQuantity
	}

	item, exists, err := getItemForUpdate(ctx, tx, key)
	if err != nil {
		return nil, nil, err
	}
	if !exists {
		return nil, nil, store.ErrItemNotFound
	}
	if qty > item.Quantity {
		return nil, nil, store.ErrInsufficientStock
	}

	before := item.Quantity
	item.Quantity = before - qty
	item.UpdatedAt = at

	if err := upsertItem(ctx, tx, item); err != nil {
		return nil, nil, err
	}

	txn := domain.InventoryTransaction{
		ID:             xid.New("itx"),
		Key:            key,
		Type:           domain.TxnTypeOut,
		QuantityBefore: before,
		QuantityChange: -qty,
		QuantityAfter:  item.Quantity,
		CostCents:      item.AverageCostCents,
		TotalCostCents: item.AverageCostCents * int64(qty),
		Reason:         reason,
		Reference:      reference,
		PerformedBy:    performedBy,
		CreatedAt:      at,
	}
	if err := insertLedgerRow(ctx, tx, txn); err != nil {
		return nil, nil, err
	}
	return &item, &txn, nil
}

func upsertItem(ctx context.Context, tx *sql.Tx, item domain.InventoryItem) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO inventory_items (
			product_id, variant_id, size, quantity, cost_cents, average_cost_cents,
			low_stock_threshold, created_at, updated_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (product_id, variant_id, size)
		DO UPDATE SET quantity = EXCLUDED.quantity, cost_cents = EXCLUDED.cost_cents,
			average_cost_cents = EXCLUDED.average_cost_cents,
			low_stock_threshold = EXCLUDED.low_stock_threshold,
			updated_at = EXCLUDED.updated_at
	`, item.Key.ProductID, item.Key.VariantID, item.Key.Size, item.Quantity, item.CostCents,
		item.AverageCostCents, item.LowStockThreshold, item.CreatedAt, item.UpdatedAt)
	return err
}

func (s *Store) StockIn(ctx context.Context, key domain.ItemKey, qty int, unitCostCents int64, threshold int, reason, reference, performedBy string, at time.Time) (*domain.InventoryItem, *domain.InventoryTransaction, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = tx.Rollback() }()

	item, txn, err := stockInTx(ctx, tx, key, qty, unitCostCents, threshold, reason, reference, performedBy, at)
	if err != nil {
		return nil, nil, err
	}
	if err := commit(tx); err != nil {
		return nil, nil, err
	}
	return item, txn, nil
}

func (s *Store) StockOut(ctx context.Context, key domain.ItemKey, qty int, reason, reference, performedBy string, at time.Time) (*domain.InventoryItem, *domain.InventoryTransaction, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = tx.Rollback() }()

	item, txn, err := stockOutTx(ctx, tx, key, qty, reason, reference, performedBy, at)
	if err != nil {
		return nil, nil, err
	}
	if err := commit(tx); err != nil {
		return nil, nil, err
	}
	return item, txn, nil
}

func (s *Store) AdjustStock(ctx context.Context, key domain.ItemKey, newQty int, reason, performedBy string, at time.Time) (*domain.InventoryItem, *domain.InventoryTransaction, error) {
	if key.IsZero() {
		return nil, nil, store.ErrInvalidInput
	}
	if newQty < 0 {
		return nil, nil, store.ErrInvalidQuantity
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = tx.Rollback() }()

	item, exists, err := getItemForUpdate(ctx, tx, key)
	if err != nil {
		return nil, nil, err
	}
	if !exists {
		item = domain.InventoryItem{Key: key, CreatedAt: at}
	}

	before := item.Quantity
	item.Quantity = newQty
	item.UpdatedAt = at
	if err := upsertItem(ctx, tx, item); err != nil {
		return nil, nil, err
	}

	txn := domain.InventoryTransaction{
		ID:             xid.New("itx"),
		Key:            key,
		Type:           domain.TxnTypeAdjust,
		QuantityBefore: before,
		QuantityChange: newQty - before,
		QuantityAfter:  newQty,
		CostCents:      item.AverageCostCents,
		TotalCostCents: item.AverageCostCents * int64(absInt(newQty-before)),
		Reason:         reason,
		PerformedBy:    performedBy,
		CreatedAt:      at,
	}
	if err := insertLedgerRow(ctx, tx, txn); err != nil {
		return nil, nil, err
	}
	if err := commit(tx); err != nil {
		return nil, nil, err
	}
	return &item, &txn, nil
}

func (s *Store) ListInventoryTransactions(ctx context.Context, key *domain.ItemKey, limit int) ([]domain.InventoryTransaction, error) {
	if limit < 1 {
		limit = 100
	}

	query := `
		SELECT id, product_id, variant_id, size, type, quantity_before, quantity_change,
			quantity_after, cost_cents, total_cost_cents, reason, COALESCE(reference,''), performed_by, created_at
		FROM inventory_transactions
	`
	args := []any{}
	if key != nil {
		query += ` WHERE product_id = $1 AND variant_id = $2 AND size = $3`
		args = append(args, key.ProductID, key.VariantID, key.Size)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	txns := make([]domain.InventoryTransaction, 0, limit)
	for rows.Next() {
		var txn domain.InventoryTransaction
		if err := rows.Scan(&txn.ID, &txn.Key.ProductID, &txn.Key.VariantID, &txn.Key.Size, &txn.Type,
			&txn.QuantityBefore, &txn.QuantityChange, &txn.QuantityAfter, &txn.CostCents,
			&txn.TotalCostCents, &txn.Reason, &txn.Reference, &txn.PerformedBy, &txn.CreatedAt); err != nil {
			return nil, err
		}
		txn.CreatedAt = txn.CreatedAt.UTC()
		txns = append(txns, txn)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return txns, nil
}

func (s *Store) GetInventoryStats(ctx context.Context) (domain.InventoryStats, error) {
	var stats domain.InventoryStats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*)::int,
			COALESCE(SUM(quantity),0)::int,
			COALESCE(SUM(quantity * average_cost_cents),0)::bigint,
			COALESCE(SUM(CASE WHEN quantity > 0 AND low_stock_threshold > 0 AND quantity <= low_stock_threshold THEN 1 ELSE 0 END),0)::int,
			COALESCE(SUM(CASE WHEN quantity = 0 THEN 1 ELSE 0 END),0)::int
		FROM inventory_items
	`).Scan(&stats.TotalItems, &stats.TotalUnits, &stats.TotalValueCents, &stats.LowStockItems, &stats.OutOfStockItems)
	if err != nil {
		return stats, err
	}

	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*)::int FROM inventory_transactions`).Scan(&stats.TransactionsWritten)
	return stats, err
}

// ---- orders ----

func (s *Store) CreateOrder(ctx context.Context, order domain.Order) (*domain.Order, error) {
	if order.ID == "" || len(order.Items) == 0 {
		return nil, store.ErrInvalidInput
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	for _, item := range order.Items {
		if item.Quantity < 1 {
			return nil, store.ErrInvalidQuantity
		}
		inv, exists, err := getItemForUpdate(ctx, tx, item.Key)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, fmt.Errorf("%w: %s", store.ErrItemNotFound, item.Key)
		}
		if item.Quantity > inv.Quantity {
			return nil, fmt.Errorf("%w: %s", store.ErrInsufficientStock, item.Key)
		}
	}

	if err := insertOrder(ctx, tx, order); err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidInput
		}
		return nil, err
	}
	if err := commit(tx); err != nil {
		return nil, err
	}

	created := order
	return &created, nil
}

func insertOrder(ctx context.Context, tx *sql.Tx, order domain.Order) error {
	history, err := json.Marshal(order.StatusHistory)
	if err != nil {
		return err
	}
	attempts, err := json.Marshal(order.DeliveryAttempts)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (
			id, customer_id, subtotal_cents, discount_cents, shipping_fee_cents, total_cents,
			payment_method, payment_status, status, status_history, inventory_deducted,
			has_cancel_request, cancel_request_id, return_request_id, assigned_shipper_id,
			delivery_attempts, delivered_at, return_confirmed, refund, created_at, updated_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
	`, order.ID, order.CustomerID, order.SubtotalCents, order.DiscountCents, order.ShippingFeeCents,
		order.TotalCents, order.PaymentMethod, order.PaymentStatus, string(order.Status), history,
		order.InventoryDeducted, order.HasCancelRequest, nullIfEmpty(order.CancelRequestID),
		nullIfEmpty(order.ReturnRequestID), nullIfEmpty(order.AssignedShipperID), attempts,
		nullTime(order.DeliveredAt), order.ReturnConfirmed, nil, order.CreatedAt, order.UpdatedAt)
	if err != nil {
		return err
	}

	for _, item := range order.Items {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO order_items (order_id, product_id, variant_id, size, qty, unit_price_cents, unit_cost_cents)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, order.ID, item.Key.ProductID, item.Key.VariantID, item.Key.Size, item.Quantity,
			item.UnitPriceCents, item.UnitCostCents)
		if err != nil {
			return err
		}
	}
	return nil
}

const orderColumns = `id, customer_id, subtotal_cents, discount_cents, shipping_fee_cents, total_cents,
	payment_method, payment_status, status, status_history, inventory_deducted,
	has_cancel_request, COALESCE(cancel_request_id,''), COALESCE(return_request_id,''),
	COALESCE(assigned_shipper_id,''), delivery_attempts, delivered_at, return_confirmed, refund,
	created_at, updated_at`

func scanOrder(row interface{ Scan(...any) error }) (*domain.Order, error) {
	var order domain.Order
	var status string
	var history, attempts []byte
	var refund []byte
	var deliveredAt sql.NullTime

	err := row.Scan(
		&order.ID,
		&order.CustomerID,
		&order.SubtotalCents,
		&order.DiscountCents,
		&order.ShippingFeeCents,
		&order.TotalCents,
		&order.PaymentMethod,
		&order.PaymentStatus,
		&status,
		&history,
		&order.InventoryDeducted,
		&order.HasCancelRequest,
		&order.CancelRequestID,
		&order.ReturnRequestID,
		&order.AssignedShipperID,
		&attempts,
		&deliveredAt,
		&order.ReturnConfirmed,
		&refund,
		&order.CreatedAt,
		&order.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	order.Status = domain.OrderStatus(status)
	if len(history) > 0 {
		if err := json.Unmarshal(history, &order.StatusHistory); err != nil {
			return nil, err
		}
	}
	if len(attempts) > 0 {
		if err := json.Unmarshal(attempts, &order.DeliveryAttempts); err != nil {
			return nil, err
		}
	}
	if len(refund) > 0 {
		var r domain.Refund
		if err := json.Unmarshal(refund, &r); err != nil {
			return nil, err
		}
		order.Refund = &r
	}
	if deliveredAt.Valid {
		at := deliveredAt.Time.UTC()
		order.DeliveredAt = &at
	}
	order.CreatedAt = order.CreatedAt.UTC()
	order.UpdatedAt = order.UpdatedAt.UTC()
	return &order, nil
}

func (s *Store) loadOrderItems(ctx context.Context, q interface {
	QueryContext(context.Context, string, ...any) (*sql.Rows, error)
}, orderID string) ([]domain.OrderItem, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT product_id, variant_id, size, qty, unit_price_cents, unit_cost_cents
		FROM order_items
		WHERE order_id = $1
		ORDER BY id ASC
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.OrderItem, 0, 8)
	for rows.Next() {
		var item domain.OrderItem
		if err := rows.Scan(&item.Key.ProductID, &item.Key.VariantID, &item.Key.Size,
			&item.Quantity, &item.UnitPriceCents, &item.UnitCostCents); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	order, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrOrderNotFound
		}
		return nil, err
	}
	order.Items, err = s.loadOrderItems(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	return order, nil
}

func getOrderForUpdate(ctx context.Context, s *Store, tx *sql.Tx, id string) (*domain.Order, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id)
	order, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrOrderNotFound
		}
		return nil, err
	}
	order.Items, err = s.loadOrderItems(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	return order, nil
}

func saveOrder(ctx context.Context, tx *sql.Tx, order *domain.Order) error {
	history, err := json.Marshal(order.StatusHistory)
	if err != nil {
		return err
	}
	attempts, err := json.Marshal(order.DeliveryAttempts)
	if err != nil {
		return err
	}
	var refund any
	if order.Refund != nil {
		raw, err := json.Marshal(order.Refund)
		if err != nil {
			return err
		}
		refund = raw
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE orders
		SET payment_status = $2, status = $3, status_history = $4, inventory_deducted = $5,
			has_cancel_request = $6, cancel_request_id = $7, return_request_id = $8,
			assigned_shipper_id = $9, delivery_attempts = $10, delivered_at = $11,
			return_confirmed = $12, refund = $13, updated_at = $14
		WHERE id = $1
	`, order.ID, order.PaymentStatus, string(order.Status), history, order.InventoryDeducted,
		order.HasCancelRequest, nullIfEmpty(order.CancelRequestID), nullIfEmpty(order.ReturnRequestID),
		nullIfEmpty(order.AssignedShipperID), attempts, nullTime(order.DeliveredAt),
		order.ReturnConfirmed, refund, order.UpdatedAt)
	return err
}

func (s *Store) ListOrders(ctx context.Context, status domain.OrderStatus, limit int) ([]domain.Order, error) {
	if limit < 1 {
		limit = 100
	}

	query := `SELECT ` + orderColumns + ` FROM orders`
	args := []any{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, string(status))
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	orders := make([]domain.Order, 0, limit)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *order)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range orders {
		items, err := s.loadOrderItems(ctx, s.db, orders[i].ID)
		if err != nil {
			return nil, err
		}
		orders[i].Items = items
	}
	return orders, nil
}

func (s *Store) TransitionOrder(ctx context.Context, orderID string, from, to domain.OrderStatus, entry domain.StatusChange) (*domain.Order, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	order, err := getOrderForUpdate(ctx, s, tx, orderID)
	if err != nil {
		return nil, err
	}
	if order.HasCancelRequest {
		return nil, fmt.Errorf("%w: cancel request pending", store.ErrInvalidTransition)
	}
	if !domain.CanTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", store.ErrInvalidTransition, from, to)
	}
	if order.Status != from {
		return nil, store.ErrConflict
	}

	order.Status = to
	order.StatusHistory = append(order.StatusHistory, entry)
	order.UpdatedAt = entry.At

	if err := saveOrder(ctx, tx, order); err != nil {
		return nil, err
	}
	if err := commit(tx); err != nil {
		return nil, err
	}
	return order, nil
}

func (s *Store) AssignShipperDeduct(ctx context.Context, orderID, shipperID, actor string, at time.Time) (*domain.Order, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	order, err := getOrderForUpdate(ctx, s, tx, orderID)
	if err != nil {
		return nil, err
	}

	var shipper domain.Shipper
	err = tx.QueryRowContext(ctx, `
		SELECT id, name, active, max_active_orders, active_orders
		FROM shippers
		WHERE id = $1
		FOR UPDATE
	`, shipperID).Scan(&shipper.ID, &shipper.Name, &shipper.Active, &shipper.MaxActiveOrders, &shipper.ActiveOrders)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrShipperNotFound
		}
		return nil, err
	}

	if order.HasCancelRequest {
		return nil, fmt.Errorf("%w: cancel request pending", store.ErrInvalidTransition)
	}
	if order.InventoryDeducted {
		return nil, store.ErrAlreadyProcessed
	}
	if order.Status != domain.StatusConfirmed {
		return nil, fmt.Errorf("%w: %s -> %s", store.ErrInvalidTransition, order.Status, domain.StatusAssignedToShipper)
	}
	if !shipper.Active {
		return nil, fmt.Errorf("%w: shipper inactive", store.ErrInvalidInput)
	}
	if shipper.MaxActiveOrders > 0 && shipper.ActiveOrders >= shipper.MaxActiveOrders {
		return nil, fmt.Errorf("%w: shipper at capacity", store.ErrInvalidInput)
	}

	for _, item := range order.Items {
		if _, _, err := stockOutTx(ctx, tx, item.Key, item.Quantity, "order_dispatch", order.ID, actor, at); err != nil {
			return nil, err
		}
	}

	order.InventoryDeducted = true
	order.AssignedShipperID = shipperID
	order.Status = domain.StatusAssignedToShipper
	order.StatusHistory = append(order.StatusHistory, domain.StatusChange{
		Status: domain.StatusAssignedToShipper,
		At:     at,
		Actor:  actor,
		Note:   "shipper " + shipperID,
	})
	order.UpdatedAt = at

	if err := saveOrder(ctx, tx, order); err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE shippers SET active_orders = active_orders + 1 WHERE id = $1
	`, shipperID)
	if err != nil {
		return nil, err
	}
	if err := commit(tx); err != nil {
		return nil, err
	}
	return order, nil
}

func (s *Store) CancelAndRestore(ctx context.Context, orderID string, expect domain.OrderStatus, entry domain.StatusChange, resolveRequest string) (*domain.Order, bool, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = tx.Rollback() }()

	order, err := getOrderForUpdate(ctx, s, tx, orderID)
	if err != nil {
		return nil, false, err
	}
	if order.Status == domain.StatusCancelled {
		return order, false, nil
	}
	if !domain.CanTransition(expect, domain.StatusCancelled) {
		return nil, false, fmt.Errorf("%w: %s -> %s", store.ErrInvalidTransition, expect, domain.StatusCancelled)
	}
	if order.Status != expect {
		return nil, false, store.ErrConflict
	}

	restored := false
	if order.InventoryDeducted {
		for _, item := range order.Items {
			if _, _, err := stockInTx(ctx, tx, item.Key, item.Quantity, 0, 0, "cancelled", order.ID, entry.Actor, entry.At); err != nil {
				return nil, false, err
			}
		}
		order.InventoryDeducted = false
		restored = true
		if order.AssignedShipperID != "" && expect != domain.StatusReturningToWarehouse {
			_, err = tx.ExecContext(ctx, `
				UPDATE shippers SET active_orders = GREATEST(active_orders - 1, 0) WHERE id = $1
			`, order.AssignedShipperID)
			if err != nil {
				return nil, false, err
			}
		}
	}

	order.Status = domain.StatusCancelled
	order.StatusHistory = append(order.StatusHistory, entry)
	order.HasCancelRequest = false
	order.UpdatedAt = entry.At

	if err := saveOrder(ctx, tx, order); err != nil {
		return nil, false, err
	}

	if resolveRequest != "" && order.CancelRequestID != "" {
		_, err = tx.ExecContext(ctx, `
			UPDATE cancel_requests
			SET status = $2, resolved_at = $3
			WHERE id = $1 AND status = $4
		`, order.CancelRequestID, resolveRequest, entry.At, domain.CancelStatusPending)
		if err != nil {
			return nil, false, err
		}
	}

	if err := commit(tx); err != nil {
		return nil, false, err
	}
	return order, restored, nil
}

func (s *Store) ReceiveReturnRestore(ctx context.Context, requestID, actor string, at time.Time) (*domain.Order, *domain.ReturnRequest, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = tx.Rollback() }()

	req, err := getReturnRequestForUpdate(ctx, tx, requestID)
	if err != nil {
		return nil, nil, err
	}
	if req.Status == domain.ReturnStatusReceived || req.Terminal() {
		return nil, nil, store.ErrAlreadyProcessed
	}
	if req.Status != domain.ReturnStatusShipping {
		return nil, nil, fmt.Errorf("%w: return %s -> %s", store.ErrInvalidTransition, req.Status, domain.ReturnStatusReceived)
	}

	order, err := getOrderForUpdate(ctx, s, tx, req.OrderID)
	if err != nil {
		return nil, nil, err
	}
	if order.Status != domain.StatusDelivered {
		return nil, nil, store.ErrConflict
	}

	if order.InventoryDeducted {
		for _, item := range order.Items {
			if _, _, err := stockInTx(ctx, tx, item.Key, item.Quantity, 0, 0, "returned", order.ID, actor, at); err != nil {
				return nil, nil, err
			}
		}
		order.InventoryDeducted = false
	}

	order.ReturnConfirmed = true
	order.Status = domain.StatusReturned
	order.StatusHistory = append(order.StatusHistory, domain.StatusChange{
		Status: domain.StatusReturned,
		At:     at,
		Actor:  actor,
		Note:   "return " + req.ID + " received",
	})
	order.UpdatedAt = at

	if err := saveOrder(ctx, tx, order); err != nil {
		return nil, nil, err
	}

	req.Status = domain.ReturnStatusReceived
	_, err = tx.ExecContext(ctx, `
		UPDATE return_requests SET status = $2 WHERE id = $1
	`, req.ID, req.Status)
	if err != nil {
		return nil, nil, err
	}

	if err := commit(tx); err != nil {
		return nil, nil, err
	}
	return order, req, nil
}

func (s *Store) RecordDeliveryAttempt(ctx context.Context, orderID string, attempt domain.DeliveryAttempt) (*domain.Order, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	order, err := getOrderForUpdate(ctx, s, tx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != domain.StatusOutForDelivery {
		return nil, fmt.Errorf("%w: delivery attempt on %s", store.ErrInvalidTransition, order.Status)
	}

	order.DeliveryAttempts = append(order.DeliveryAttempts, attempt)
	releaseShipper := false

	switch attempt.Outcome {
	case domain.DeliveryOutcomeSuccess:
		order.Status = domain.StatusDelivered
		deliveredAt := attempt.At
		order.DeliveredAt = &deliveredAt
		if order.PaymentMethod == domain.PaymentMethodCOD {
			order.PaymentStatus = domain.PaymentStatusPaid
		}
		order.StatusHistory = append(order.StatusHistory, domain.StatusChange{
			Status: domain.StatusDelivered,
			At:     attempt.At,
			Actor:  attempt.RecordedBy,
			Note:   attempt.Note,
		})
		releaseShipper = true
	case domain.DeliveryOutcomeFailed:
		order.Status = domain.StatusDeliveryFailed
		order.StatusHistory = append(order.StatusHistory, domain.StatusChange{
			Status: domain.StatusDeliveryFailed,
			At:     attempt.At,
			Actor:  attempt.RecordedBy,
			Note:   attempt.Note,
		})
		if order.FailedDeliveries() >= domain.MaxDeliveryFailures {
			order.Status = domain.StatusReturningToWarehouse
			order.StatusHistory = append(order.StatusHistory, domain.StatusChange{
				Status: domain.StatusReturningToWarehouse,
				At:     attempt.At,
				Actor:  attempt.RecordedBy,
				Note:   fmt.Sprintf("%d failed delivery attempts", order.FailedDeliveries()),
			})
			releaseShipper = true
		}
	default:
		return nil, store.ErrInvalidInput
	}

	order.UpdatedAt = attempt.At
	if err := saveOrder(ctx, tx, order); err != nil {
		return nil, err
	}
	if releaseShipper && order.AssignedShipperID != "" {
		_, err = tx.ExecContext(ctx, `
			UPDATE shippers SET active_orders = GREATEST(active_orders - 1, 0) WHERE id = $1
		`, order.AssignedShipperID)
		if err != nil {
			return nil, err
		}
	}
	if err := commit(tx); err != nil {
		return nil, err
	}
	return order, nil
}

func (s *Store) SetOrderRefund(ctx context.Context, orderID string, refund domain.Refund, entry domain.StatusChange) (*domain.Order, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	order, err := getOrderForUpdate(ctx, s, tx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Refund != nil {
		return nil, store.ErrAlreadyProcessed
	}
	if order.Status != domain.StatusCancelled && order.Status != domain.StatusReturned {
		return nil, fmt.Errorf("%w: refund on %s", store.ErrInvalidTransition, order.Status)
	}

	stored := refund
	order.Refund = &stored
	order.Status = domain.StatusRefunded
	order.StatusHistory = append(order.StatusHistory, entry)
	order.UpdatedAt = entry.At

	if err := saveOrder(ctx, tx, order); err != nil {
		return nil, err
	}

	if order.ReturnRequestID != "" {
		_, err = tx.ExecContext(ctx, `
			UPDATE return_requests
			SET status = $2, resolved_at = $3
			WHERE id = $1 AND status = $4
		`, order.ReturnRequestID, domain.ReturnStatusCompleted, entry.At, domain.ReturnStatusReceived)
		if err != nil {
			return nil, err
		}
	}

	if err := commit(tx); err != nil {
		return nil, err
	}
	return order, nil
}

// ---- cancellation workflow ----

func (s *Store) CreateCancelRequest(ctx context.Context, req domain.CancelRequest) (*domain.CancelRequest, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	order, err := getOrderForUpdate(ctx, s, tx, req.OrderID)
	if err != nil {
		return nil, err
	}
	if order.HasCancelRequest {
		return nil, fmt.Errorf("%w: cancel request already open", store.ErrAlreadyProcessed)
	}
	if order.Status != domain.StatusPending && order.Status != domain.StatusConfirmed {
		return nil, fmt.Errorf("%w: cancel on %s", store.ErrInvalidTransition, order.Status)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO cancel_requests (id, order_id, reason, status, requested_by, created_at, resolved_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, req.ID, req.OrderID, req.Reason, req.Status, req.RequestedBy, req.CreatedAt, nullTime(req.ResolvedAt))
	if err != nil {
		return nil, err
	}

	order.HasCancelRequest = true
	order.CancelRequestID = req.ID
	if err := saveOrder(ctx, tx, order); err != nil {
		return nil, err
	}

	if err := commit(tx); err != nil {
		return nil, err
	}
	created := req
	return &created, nil
}

func (s *Store) GetCancelRequest(ctx context.Context, id string) (*domain.CancelRequest, error) {
	var req domain.CancelRequest
	var resolvedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, order_id, reason, status, requested_by, created_at, resolved_at
		FROM cancel_requests
		WHERE id = $1
	`, id).Scan(&req.ID, &req.OrderID, &req.Reason, &req.Status, &req.RequestedBy, &req.CreatedAt, &resolvedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrRequestNotFound
		}
		return nil, err
	}
	req.CreatedAt = req.CreatedAt.UTC()
	if resolvedAt.Valid {
		at := resolvedAt.Time.UTC()
		req.ResolvedAt = &at
	}
	return &req, nil
}

func (s *Store) RejectCancelRequest(ctx context.Context, id string, at time.Time) (*domain.CancelRequest, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var req domain.CancelRequest
	err = tx.QueryRowContext(ctx, `
		SELECT id, order_id, reason, status, requested_by, created_at
		FROM cancel_requests
		WHERE id = $1
		FOR UPDATE
	`, id).Scan(&req.ID, &req.OrderID, &req.Reason, &req.Status, &req.RequestedBy, &req.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrRequestNotFound
		}
		return nil, err
	}
	if req.Status != domain.CancelStatusPending {
		return nil, store.ErrAlreadyProcessed
	}

	req.Status = domain.CancelStatusRejected
	resolvedAt := at
	req.ResolvedAt = &resolvedAt
	_, err = tx.ExecContext(ctx, `
		UPDATE cancel_requests SET status = $2, resolved_at = $3 WHERE id = $1
	`, id, req.Status, at)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE orders SET has_cancel_request = false, updated_at = $2 WHERE id = $1
	`, req.OrderID, at)
	if err != nil {
		return nil, err
	}

	if err := commit(tx); err != nil {
		return nil, err
	}
	req.CreatedAt = req.CreatedAt.UTC()
	return &req, nil
}

// ---- return workflow ----

const returnColumns = `id, order_id, reason, refund_method, COALESCE(bank_info,''), refund_amount_cents,
	status, COALESCE(reject_reason,''), COALESCE(assigned_shipper_id,''), expires_at, created_at, resolved_at`

func scanReturnRequest(row interface{ Scan(...any) error }) (*domain.ReturnRequest, error) {
	var req domain.ReturnRequest
	var resolvedAt sql.NullTime
	err := row.Scan(&req.ID, &req.OrderID, &req.Reason, &req.RefundMethod, &req.BankInfo,
		&req.RefundAmountCents, &req.Status, &req.RejectReason, &req.AssignedShipperID,
		&req.ExpiresAt, &req.CreatedAt, &resolvedAt)
	if err != nil {
		return nil, err
	}
	req.ExpiresAt = req.ExpiresAt.UTC()
	req.CreatedAt = req.CreatedAt.UTC()
	if resolvedAt.Valid {
		at := resolvedAt.Time.UTC()
		req.ResolvedAt = &at
	}
	return &req, nil
}

func getReturnRequestForUpdate(ctx context.Context, tx *sql.Tx, id string) (*domain.ReturnRequest, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT `+returnColumns+`
		FROM return_requests
		WHERE id = $1
		FOR UPDATE
	`, id)
	req, err := scanReturnRequest(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrRequestNotFound
		}
		return nil, err
	}
	return req, nil
}

func (s *Store) CreateReturnRequest(ctx context.Context, req domain.ReturnRequest) (*domain.ReturnRequest, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	order, err := getOrderForUpdate(ctx, s, tx, req.OrderID)
	if err != nil {
		return nil, err
	}
	if order.Status != domain.StatusDelivered {
		return nil, fmt.Errorf("%w: return on %s", store.ErrInvalidTransition, order.Status)
	}
	if order.ReturnRequestID != "" {
		existing, err := getReturnRequestForUpdate(ctx, tx, order.ReturnRequestID)
		if err != nil && !errors.Is(err, store.ErrRequestNotFound) {
			return nil, err
		}
		if existing != nil && !existing.Terminal() {
			return nil, fmt.Errorf("%w: return request already open", store.ErrAlreadyProcessed)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO return_requests (
			id, order_id, reason, refund_method, bank_info, refund_amount_cents,
			status, reject_reason, assigned_shipper_id, expires_at, created_at, resolved_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, req.ID, req.OrderID, req.Reason, req.RefundMethod, nullIfEmpty(req.BankInfo),
		req.RefundAmountCents, req.Status, nullIfEmpty(req.RejectReason),
		nullIfEmpty(req.AssignedShipperID), req.ExpiresAt, req.CreatedAt, nullTime(req.ResolvedAt))
	if err != nil {
		return nil, err
	}

	order.ReturnRequestID = req.ID
	order.UpdatedAt = req.CreatedAt
	if err := saveOrder(ctx, tx, order); err != nil {
		return nil, err
	}

	if err := commit(tx); err != nil {
		return nil, err
	}
	created := req
	return &created, nil
}

func (s *Store) GetReturnRequest(ctx context.Context, id string) (*domain.ReturnRequest, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+returnColumns+` FROM return_requests WHERE id = $1`, id)
	req, err := scanReturnRequest(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrRequestNotFound
		}
		return nil, err
	}
	return req, nil
}

func (s *Store) ListReturnRequests(ctx context.Context, status string, limit int) ([]domain.ReturnRequest, error) {
	if limit < 1 {
		limit = 100
	}

	query := `SELECT ` + returnColumns + ` FROM return_requests`
	args := []any{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	requests := make([]domain.ReturnRequest, 0, limit)
	for rows.Next() {
		req, err := scanReturnRequest(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, *req)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return requests, nil
}

func (s *Store) UpdateReturnRequestStatus(ctx context.Context, id, from, to, shipperID, note string, at time.Time) (*domain.ReturnRequest, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	req, err := getReturnRequestForUpdate(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if req.Terminal() {
		return nil, store.ErrAlreadyProcessed
	}
	if req.Status != from {
		return nil, store.ErrConflict
	}
	if to == domain.ReturnStatusApproved && !req.ExpiresAt.IsZero() && !at.Before(req.ExpiresAt) {
		return nil, store.ErrAlreadyProcessed
	}

	req.Status = to
	if shipperID != "" {
		req.AssignedShipperID = shipperID
	}
	if note != "" {
		req.RejectReason = note
	}
	switch to {
	case domain.ReturnStatusRejected, domain.ReturnStatusCanceled, domain.ReturnStatusCompleted:
		resolvedAt := at
		req.ResolvedAt = &resolvedAt
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE return_requests
		SET status = $2, reject_reason = $3, assigned_shipper_id = $4, resolved_at = $5
		WHERE id = $1
	`, req.ID, req.Status, nullIfEmpty(req.RejectReason), nullIfEmpty(req.AssignedShipperID), nullTime(req.ResolvedAt))
	if err != nil {
		return nil, err
	}

	if err := commit(tx); err != nil {
		return nil, err
	}
	return req, nil
}

func (s *Store) ExpireReturnRequests(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE return_requests
		SET status = $1, reject_reason = 'expired', resolved_at = $2
		WHERE status = $3 AND expires_at <= $2
	`, domain.ReturnStatusRejected, now, domain.ReturnStatusPending)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

// ---- shippers ----

func (s *Store) CreateShipper(ctx context.Context, shipper domain.Shipper) (*domain.Shipper, error) {
	if shipper.ID == "" || shipper.Name == "" {
		return nil, store.ErrInvalidInput
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO shippers (id, name, phone, active, max_active_orders, active_orders, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, shipper.ID, shipper.Name, shipper.Phone, shipper.Active, shipper.MaxActiveOrders,
		shipper.ActiveOrders, shipper.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidInput
		}
		return nil, err
	}
	created := shipper
	return &created, nil
}

func (s *Store) GetShipper(ctx context.Context, id string) (*domain.Shipper, error) {
	var shipper domain.Shipper
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, phone, active, max_active_orders, active_orders, created_at
		FROM shippers
		WHERE id = $1
	`, id).Scan(&shipper.ID, &shipper.Name, &shipper.Phone, &shipper.Active,
		&shipper.MaxActiveOrders, &shipper.ActiveOrders, &shipper.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrShipperNotFound
		}
		return nil, err
	}
	shipper.CreatedAt = shipper.CreatedAt.UTC()
	return &shipper, nil
}

func (s *Store) ListShippers(ctx context.Context) ([]domain.Shipper, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, phone, active, max_active_orders, active_orders, created_at
		FROM shippers
		ORDER BY name ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	shippers := make([]domain.Shipper, 0, 16)
	for rows.Next() {
		var shipper domain.Shipper
		if err := rows.Scan(&shipper.ID, &shipper.Name, &shipper.Phone, &shipper.Active,
			&shipper.MaxActiveOrders, &shipper.ActiveOrders, &shipper.CreatedAt); err != nil {
			return nil, err
		}
		shipper.CreatedAt = shipper.CreatedAt.UTC()
		shippers = append(shippers, shipper)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return shippers, nil
}

// ---- audit trail ----

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, from, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at DESC
		LIMIT $3
	`, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.ActorUsername, &entry.ActorRole, &entry.Action,
			&entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

// ---- auth accounts ----

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || user.Password == "" {
		return store.ErrInvalidInput
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,now())
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrInvalidInput
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidInput
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrInvalidInput
	}
	return nil
}

// ---- helpers ----

// commit maps serialization failures onto ErrConflict so callers retry the
// whole operation instead of surfacing a driver error.
func commit(tx *sql.Tx) error {
	if err := tx.Commit(); err != nil {
		if isSerializationFailure(err) {
			return store.ErrConflict
		}
		return err
	}
	return nil
}

func weightedAverage(avgCents int64, qtyBefore int, unitCents int64, qtyIn int) int64 {
	total := qtyBefore + qtyIn
	if total == 0 {
		return 0
	}
	blended := (float64(avgCents)*float64(qtyBefore) + float64(unitCents)*float64(qtyIn)) / float64(total)
	return int64(math.Round(blended))
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return *val
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
