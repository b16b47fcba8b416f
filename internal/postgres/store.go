package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/ariefcatur/go-production-scheduler/internal/production"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Store is the Postgres implementation of production.Store. Conditional
// writes carry their precondition in the WHERE clause so the check and the
// write are one statement.
type Store struct{ DB *pgxpool.Pool }

var _ production.Store = (*Store)(nil)

const pgForeignKeyViolation = "23503"

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation
}

func (s *Store) Ping(ctx context.Context) error { return s.DB.Ping(ctx) }

// ---- products ----

const productColumns = `id, sku, name, molds_available, max_turns_per_day::text, created_at, updated_at`

func scanProduct(row pgx.Row) (production.Product, error) {
	var p production.Product
	var turns string
	if err := row.Scan(&p.ID, &p.SKU, &p.Name, &p.MoldsAvailable, &turns, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return production.Product{}, err
	}
	d, err := decimal.NewFromString(turns)
	if err != nil {
		return production.Product{}, fmt.Errorf("product %s max_turns_per_day: %w", p.ID, err)
	}
	p.MaxTurnsPerDay = d
	return p, nil
}

func (s *Store) GetProduct(ctx context.Context, id string) (production.Product, error) {
	p, err := scanProduct(s.DB.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return production.Product{}, production.NotFound("product", id)
	}
	return p, err
}

func (s *Store) ListProducts(ctx context.Context) ([]production.Product, error) {
	rows, err := s.DB.Query(ctx, `SELECT `+productColumns+` FROM products ORDER BY sku`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []production.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ---- order lines ----

func (s *Store) GetOrderLine(ctx context.Context, orderID, productID string) (production.OrderLine, error) {
	var l production.OrderLine
	err := s.DB.QueryRow(ctx, `
		SELECT order_id, order_ref, product_id, qty, premium
		FROM order_lines WHERE order_id=$1 AND product_id=$2`, orderID, productID).
		Scan(&l.OrderID, &l.OrderRef, &l.ProductID, &l.Qty, &l.Premium)
	if errors.Is(err, pgx.ErrNoRows) {
		return production.OrderLine{}, production.NotFound("order_line", orderID+"/"+productID)
	}
	return l, err
}

func (s *Store) SaveOrderLine(ctx context.Context, line production.OrderLine) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO order_lines(order_id, product_id, order_ref, qty, premium)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (order_id, product_id)
		DO UPDATE SET order_ref=EXCLUDED.order_ref, qty=EXCLUDED.qty, premium=EXCLUDED.premium, updated_at=now()`,
		line.OrderID, line.ProductID, line.OrderRef, line.Qty, line.Premium)
	if isForeignKeyViolation(err) {
		return production.NotFound("product", line.ProductID)
	}
	return err
}

// ---- queue ----

const queueColumns = `id, order_id, product_id, qty_total, qty_pending, premium, status,
	assigned_molds, created_at, duration_days, eta_start, eta_end`

func scanQueueItem(row pgx.Row, extra ...any) (production.QueueItem, error) {
	var it production.QueueItem
	var status string
	dest := []any{&it.ID, &it.OrderID, &it.ProductID, &it.QtyTotal, &it.QtyPending, &it.Premium, &status,
		&it.AssignedMolds, &it.CreatedAt, &it.DurationDays, &it.EtaStart, &it.EtaEnd}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return production.QueueItem{}, err
	}
	it.Status = production.Status(status)
	return it, nil
}

func (s *Store) InsertQueueItem(ctx context.Context, it production.QueueItem) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO queue_items(id, order_id, product_id, qty_total, qty_pending, premium, status,
		                        assigned_molds, created_at, duration_days, eta_start, eta_end)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		it.ID, it.OrderID, it.ProductID, it.QtyTotal, it.QtyPending, it.Premium, string(it.Status),
		it.AssignedMolds, it.CreatedAt, it.DurationDays, it.EtaStart, it.EtaEnd)
	if isForeignKeyViolation(err) {
		return production.NotFound("product", it.ProductID)
	}
	return err
}

func (s *Store) GetQueueItem(ctx context.Context, id string) (production.QueueItem, error) {
	it, err := scanQueueItem(s.DB.QueryRow(ctx, `SELECT `+queueColumns+` FROM queue_items WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return production.QueueItem{}, production.NotFound("queue_item", id)
	}
	return it, err
}

func (s *Store) DeleteQueueItem(ctx context.Context, id string) error {
	ct, err := s.DB.Exec(ctx, `DELETE FROM queue_items WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return production.NotFound("queue_item", id)
	}
	return nil
}

func (s *Store) ListActiveQueueItems(ctx context.Context) ([]production.QueueItem, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT `+queueColumns+` FROM queue_items
		WHERE status IN ('queued','in_progress') ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []production.QueueItem
	for rows.Next() {
		it, err := scanQueueItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *Store) ListQueue(ctx context.Context) ([]production.QueueListing, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT q.id, q.order_id, q.product_id, q.qty_total, q.qty_pending, q.premium, q.status,
		       q.assigned_molds, q.created_at, q.duration_days, q.eta_start, q.eta_end,
		       p.sku, p.name, COALESCE(l.order_ref, '')
		FROM queue_items q
		JOIN products p ON p.id = q.product_id
		LEFT JOIN order_lines l ON l.order_id = q.order_id AND l.product_id = q.product_id
		WHERE q.status IN ('queued','in_progress')`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []production.QueueListing
	for rows.Next() {
		var l production.QueueListing
		it, err := scanQueueItem(rows, &l.ProductSKU, &l.ProductName, &l.OrderRef)
		if err != nil {
			return nil, err
		}
		l.QueueItem = it
		out = append(out, l)
	}
	return out, rows.Err()
}

// missingOrChanged explains a conditional queue update that touched no row.
func (s *Store) missingOrChanged(ctx context.Context, id, reason string) error {
	var status string
	err := s.DB.QueryRow(ctx, `SELECT status FROM queue_items WHERE id=$1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return production.NotFound("queue_item", id)
	}
	if err != nil {
		return err
	}
	return &production.ConsistencyViolationError{Entity: "queue_item", ID: id, Reason: reason + " (status " + status + ")"}
}

func (s *Store) UpdateQueueStatus(ctx context.Context, id string, from, to production.Status) error {
	ct, err := s.DB.Exec(ctx, `
		UPDATE queue_items SET status=$3, updated_at=now()
		WHERE id=$1 AND status=$2`, id, string(from), string(to))
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return s.missingOrChanged(ctx, id, "status is no longer "+string(from))
	}
	return nil
}

func (s *Store) UpdateAssignedMolds(ctx context.Context, id string, molds int) error {
	ct, err := s.DB.Exec(ctx, `
		UPDATE queue_items SET assigned_molds=$2, updated_at=now()
		WHERE id=$1 AND status IN ('queued','in_progress')`, id, molds)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return s.missingOrChanged(ctx, id, "item is not active")
	}
	return nil
}

func (s *Store) ClampAssignedMolds(ctx context.Context, productID string, ceiling int) (int, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE queue_items SET assigned_molds=$2, updated_at=now()
		WHERE product_id=$1 AND status IN ('queued','in_progress') AND assigned_molds > $2`, productID, ceiling)
	if err != nil {
		return 0, err
	}
	return int(ct.RowsAffected()), nil
}

func (s *Store) AdjustPending(ctx context.Context, id string, delta int) (production.QueueItem, error) {
	it, err := scanQueueItem(s.DB.QueryRow(ctx, `
		UPDATE queue_items SET qty_pending = qty_pending + $2, updated_at=now()
		WHERE id=$1 AND qty_pending + $2 BETWEEN 0 AND qty_total
		RETURNING `+queueColumns, id, delta))
	if errors.Is(err, pgx.ErrNoRows) {
		return production.QueueItem{}, s.missingOrChanged(ctx, id, "qty_pending out of range")
	}
	return it, err
}

// SaveSchedules writes all schedules in one transaction.
func (s *Store) SaveSchedules(ctx context.Context, schedules []production.Schedule) error {
	if len(schedules) == 0 {
		return nil
	}
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	b := &pgx.Batch{}
	for _, sc := range schedules {
		b.Queue(`UPDATE queue_items SET duration_days=$2, eta_start=$3, eta_end=$4, updated_at=now() WHERE id=$1`,
			sc.ItemID, sc.DurationDays, sc.EtaStart, sc.EtaEnd)
	}
	br := tx.SendBatch(ctx, b)
	for _, sc := range schedules {
		ct, err := br.Exec()
		if err != nil {
			_ = br.Close()
			return err
		}
		if ct.RowsAffected() == 0 {
			_ = br.Close()
			return production.NotFound("queue_item", sc.ItemID)
		}
	}
	if err := br.Close(); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) ActiveQueuedQty(ctx context.Context, orderID, productID string) (int, error) {
	var n int
	err := s.DB.QueryRow(ctx, `
		SELECT COALESCE(SUM(qty_pending), 0) FROM queue_items
		WHERE order_id=$1 AND product_id=$2 AND status IN ('queued','in_progress')`, orderID, productID).Scan(&n)
	return n, err
}

// ---- allocations ----

const allocationColumns = `id, order_id, product_id, stage, qty, created_at, updated_at`

func scanAllocation(row pgx.Row) (production.Allocation, error) {
	var a production.Allocation
	var stage string
	if err := row.Scan(&a.ID, &a.OrderID, &a.ProductID, &stage, &a.Qty, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return production.Allocation{}, err
	}
	a.Stage = production.Stage(stage)
	return a, nil
}

func (s *Store) ListAllocations(ctx context.Context, orderID, productID string) ([]production.Allocation, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT `+allocationColumns+` FROM allocations
		WHERE order_id=$1 AND product_id=$2 ORDER BY stage`, orderID, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []production.Allocation
	for rows.Next() {
		a, err := scanAllocation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) PackagingTotal(ctx context.Context, productID string) (int, error) {
	var n int
	err := s.DB.QueryRow(ctx, `
		SELECT COALESCE(SUM(qty), 0) FROM allocations
		WHERE product_id=$1 AND stage='packaging'`, productID).Scan(&n)
	return n, err
}

func (s *Store) AddAllocation(ctx context.Context, orderID, productID string, stage production.Stage, qty int) (production.Allocation, error) {
	a, err := scanAllocation(s.DB.QueryRow(ctx, `
		INSERT INTO allocations(id, order_id, product_id, stage, qty)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (order_id, product_id, stage)
		DO UPDATE SET qty = allocations.qty + EXCLUDED.qty, updated_at=now()
		RETURNING `+allocationColumns,
		uuid.NewString(), orderID, productID, string(stage), qty))
	if isForeignKeyViolation(err) {
		return production.Allocation{}, production.NotFound("product", productID)
	}
	return a, err
}

// RemoveAllocation locks the row (FOR UPDATE), then decrements or deletes it.
func (s *Store) RemoveAllocation(ctx context.Context, orderID, productID string, stage production.Stage, qty int) error {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var id string
	var have int
	err = tx.QueryRow(ctx, `
		SELECT id, qty FROM allocations
		WHERE order_id=$1 AND product_id=$2 AND stage=$3 FOR UPDATE`, orderID, productID, string(stage)).Scan(&id, &have)
	if errors.Is(err, pgx.ErrNoRows) {
		return production.NotFound("allocation", orderID+"/"+productID+"/"+string(stage))
	}
	if err != nil {
		return err
	}
	if qty > have {
		return &production.ConsistencyViolationError{
			Entity: "allocation", ID: id, Reason: "decrement exceeds allocated quantity", Attempted: qty, Available: have,
		}
	}

	if qty == have {
		_, err = tx.Exec(ctx, `DELETE FROM allocations WHERE id=$1`, id)
	} else {
		_, err = tx.Exec(ctx, `UPDATE allocations SET qty = qty - $2, updated_at=now() WHERE id=$1`, id, qty)
	}
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ---- stage counters ----

var stageColumn = map[production.ProductionStage]string{
	production.StageOrdered:        "ordered",
	production.StageAwaitingDetail: "awaiting_detail",
	production.StageDetailed:       "detailed",
	production.StagePreFired:       "pre_fired",
	production.StageFinished:       "finished",
}

func (s *Store) GetCounters(ctx context.Context, productID string) (production.Counters, error) {
	c := production.Counters{ProductID: productID}
	err := s.DB.QueryRow(ctx, `
		SELECT ordered, awaiting_detail, detailed, pre_fired, finished,
		       queued_total, restocked_total, finished_outflow
		FROM stage_counters WHERE product_id=$1`, productID).
		Scan(&c.Ordered, &c.AwaitingDetail, &c.Detailed, &c.PreFired, &c.Finished,
			&c.QueuedTotal, &c.RestockedTotal, &c.FinishedOutflow)
	if errors.Is(err, pgx.ErrNoRows) {
		return c, nil
	}
	return c, err
}

// ensureCounters creates the ledger row of an existing product.
func (s *Store) ensureCounters(ctx context.Context, productID string) error {
	ct, err := s.DB.Exec(ctx, `
		INSERT INTO stage_counters(product_id)
		SELECT id FROM products WHERE id=$1
		ON CONFLICT (product_id) DO NOTHING`, productID)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 1 {
		return nil
	}
	var exists bool
	if err := s.DB.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM stage_counters WHERE product_id=$1)`, productID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return production.NotFound("product", productID)
	}
	return nil
}

// adjust runs one counter update. When guard names a column the update only
// applies while that column holds at least qty.
func (s *Store) adjust(ctx context.Context, productID string, qty int, set, guard string, stage production.ProductionStage) error {
	if err := s.ensureCounters(ctx, productID); err != nil {
		return err
	}
	q := `UPDATE stage_counters SET ` + set + `, updated_at=now() WHERE product_id=$1`
	if guard != "" {
		q += ` AND ` + guard + ` >= $2`
	}
	ct, err := s.DB.Exec(ctx, q, productID, qty)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 1 {
		return nil
	}
	if guard == "" {
		return production.NotFound("product", productID)
	}

	var have int
	if err := s.DB.QueryRow(ctx, `SELECT `+guard+` FROM stage_counters WHERE product_id=$1`, productID).Scan(&have); err != nil {
		return err
	}
	return &production.ConsistencyViolationError{
		Entity: "counters", ID: productID, Reason: "not enough units in " + string(stage), Attempted: qty, Available: have,
	}
}

func (s *Store) ReceiveOrdered(ctx context.Context, productID string, qty int) error {
	return s.adjust(ctx, productID, qty, `ordered = ordered + $2, queued_total = queued_total + $2`, "", production.StageOrdered)
}

func (s *Store) RevertOrdered(ctx context.Context, productID string, qty int) error {
	return s.adjust(ctx, productID, qty, `ordered = ordered - $2, queued_total = queued_total - $2`, "ordered", production.StageOrdered)
}

func (s *Store) ReleaseOrdered(ctx context.Context, productID string, qty int) error {
	return s.adjust(ctx, productID, qty, `ordered = ordered - $2`, "ordered", production.StageOrdered)
}

func (s *Store) MoveUnits(ctx context.Context, productID string, from, to production.ProductionStage, qty int) error {
	fc, ok1 := stageColumn[from]
	tc, ok2 := stageColumn[to]
	if !ok1 || !ok2 {
		return &production.ValidationError{Entity: "counters", ID: productID, Field: "stage", Reason: fmt.Sprintf("unknown stage %s -> %s", from, to)}
	}
	return s.adjust(ctx, productID, qty, fc+` = `+fc+` - $2, `+tc+` = `+tc+` + $2`, fc, from)
}

func (s *Store) DrawFinished(ctx context.Context, productID string, qty int) error {
	return s.adjust(ctx, productID, qty, `finished = finished - $2, finished_outflow = finished_outflow + $2`, "finished", production.StageFinished)
}

func (s *Store) ReturnFinished(ctx context.Context, productID string, qty int) error {
	return s.adjust(ctx, productID, qty, `finished = finished + $2, finished_outflow = finished_outflow - $2`, "finished_outflow", production.StageFinished)
}

func (s *Store) Restock(ctx context.Context, productID string, qty int) error {
	return s.adjust(ctx, productID, qty, `finished = finished + $2, restocked_total = restocked_total + $2`, "", production.StageFinished)
}

// UpsertProduct maintains capacity configuration. Callers replanning the
// queue go through the scheduler's SaveProduct.
func (s *Store) UpsertProduct(ctx context.Context, p production.Product) error {
	if err := p.Validate(); err != nil {
		return err
	}
	_, err := s.DB.Exec(ctx, `
		INSERT INTO products(id, sku, name, molds_available, max_turns_per_day)
		VALUES ($1,$2,$3,$4,$5::numeric)
		ON CONFLICT (id) DO UPDATE SET sku=EXCLUDED.sku, name=EXCLUDED.name,
			molds_available=EXCLUDED.molds_available, max_turns_per_day=EXCLUDED.max_turns_per_day, updated_at=now()`,
		p.ID, p.SKU, p.Name, p.MoldsAvailable, p.MaxTurnsPerDay.String())
	return err
}
