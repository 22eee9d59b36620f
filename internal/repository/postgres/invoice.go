package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/agendapos/agendapos/internal/domain/invoice"
	"github.com/agendapos/agendapos/internal/logger"
	"github.com/agendapos/agendapos/internal/postgres"
	"github.com/agendapos/agendapos/internal/types"
	"github.com/cockroachdb/errors"
)

const invoiceColumns = `
	id, tenant_id, invoice_kind, invoice_status,
	point_of_sale, voucher_type, sequence_number,
	cae, cae_expiry, fiscal_date,
	customer_name, customer_surname, payment_method, total, deposit_discount,
	attempt_count, last_error, last_attempt_at, next_retry_at, retry_payload, claimed_at,
	origin_kind, origin_id, related_invoice_id,
	document_ref, document, metadata,
	status, created_at, updated_at, created_by, updated_by`

const lineItemColumns = `
	id, tenant_id, invoice_id, kind, description, quantity, unit_price, subtotal,
	status, created_at, updated_at, created_by, updated_by`

type invoiceRepository struct {
	db     *postgres.DB
	logger *logger.Logger
}

func NewInvoiceRepository(db *postgres.DB, logger *logger.Logger) invoice.Repository {
	return &invoiceRepository{db: db, logger: logger}
}

// Create writes the invoice and its line items in one transaction
func (r *invoiceRepository) Create(ctx context.Context, inv *invoice.Invoice) error {
	return r.db.WithTx(ctx, func(ctx context.Context) error {
		if err := r.insertInvoice(ctx, inv); err != nil {
			return err
		}
		return r.insertLineItems(ctx, inv)
	})
}

func (r *invoiceRepository) insertInvoice(ctx context.Context, inv *invoice.Invoice) error {
	q := r.db.GetQuerier(ctx)

	query := `
	INSERT INTO invoices (` + invoiceColumns + `
	) VALUES (
		$1, $2, $3, $4,
		$5, $6, $7,
		$8, $9, $10,
		$11, $12, $13, $14, $15,
		$16, $17, $18, $19, $20, $21,
		$22, $23, $24,
		$25, $26, $27,
		$28, $29, $30, $31, $32
	)`

	_, err := q.ExecContext(ctx, query,
		inv.ID,
		inv.TenantID,
		inv.InvoiceKind,
		inv.InvoiceStatus,
		inv.PointOfSale,
		inv.VoucherType,
		inv.SequenceNumber,
		inv.CAE,
		inv.CAEExpiry,
		inv.FiscalDate,
		inv.CustomerName,
		inv.CustomerSurname,
		inv.PaymentMethod,
		inv.Total,
		inv.DepositDiscount,
		inv.AttemptCount,
		inv.LastError,
		inv.LastAttemptAt,
		inv.NextRetryAt,
		inv.RetryPayload,
		inv.ClaimedAt,
		inv.OriginKind,
		inv.OriginID,
		inv.RelatedInvoiceID,
		inv.DocumentRef,
		inv.Document,
		inv.Metadata,
		inv.Status,
		inv.CreatedAt,
		inv.UpdatedAt,
		inv.CreatedBy,
		inv.UpdatedBy,
	)
	if err != nil {
		return fmt.Errorf("insert invoice: %w", err)
	}
	return nil
}

func (r *invoiceRepository) insertLineItems(ctx context.Context, inv *invoice.Invoice) error {
	if len(inv.LineItems) == 0 {
		return nil
	}

	q := r.db.GetQuerier(ctx)
	query := `
	INSERT INTO invoice_line_items (` + lineItemColumns + `
	) VALUES (
		$1, $2, $3, $4, $5, $6, $7, $8,
		$9, $10, $11, $12, $13
	)`

	for _, item := range inv.LineItems {
		_, err := q.ExecContext(ctx, query,
			item.ID,
			item.TenantID,
			item.InvoiceID,
			item.Kind,
			item.Description,
			item.Quantity,
			item.UnitPrice,
			item.Subtotal,
			item.Status,
			item.CreatedAt,
			item.UpdatedAt,
			item.CreatedBy,
			item.UpdatedBy,
		)
		if err != nil {
			return fmt.Errorf("insert invoice line item: %w", err)
		}
	}
	return nil
}

func (r *invoiceRepository) Get(ctx context.Context, id string) (*invoice.Invoice, error) {
	q := r.db.GetQuerier(ctx)

	query := `SELECT ` + invoiceColumns + `
	FROM invoices
	WHERE id = $1 AND tenant_id = $2 AND status = $3`

	var inv invoice.Invoice
	err := q.GetContext(ctx, &inv, query, id, types.GetTenantID(ctx), types.StatusPublished)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, invoice.ErrInvoiceNotFound
		}
		return nil, fmt.Errorf("get invoice: %w", err)
	}

	if err := r.loadLineItems(ctx, &inv); err != nil {
		return nil, err
	}
	return &inv, nil
}

func (r *invoiceRepository) loadLineItems(ctx context.Context, inv *invoice.Invoice) error {
	q := r.db.GetQuerier(ctx)

	query := `SELECT ` + lineItemColumns + `
	FROM invoice_line_items
	WHERE invoice_id = $1 AND tenant_id = $2 AND status = $3
	ORDER BY created_at ASC, id ASC`

	items := []*invoice.LineItem{}
	err := q.SelectContext(ctx, &items, query, inv.ID, inv.TenantID, types.StatusPublished)
	if err != nil {
		return fmt.Errorf("load invoice line items: %w", err)
	}
	inv.LineItems = items
	return nil
}

// Update rewrites the invoice and replaces its line items in one transaction,
// so a crash mid-write can never leave an issued row with stale lines.
func (r *invoiceRepository) Update(ctx context.Context, inv *invoice.Invoice) error {
	return r.db.WithTx(ctx, func(ctx context.Context) error {
		if err := r.updateInvoice(ctx, inv); err != nil {
			return err
		}
		return r.replaceLineItems(ctx, inv)
	})
}

func (r *invoiceRepository) updateInvoice(ctx context.Context, inv *invoice.Invoice) error {
	q := r.db.GetQuerier(ctx)

	query := `
	UPDATE invoices SET
		invoice_kind = $3,
		invoice_status = $4,
		point_of_sale = $5,
		voucher_type = $6,
		sequence_number = $7,
		cae = $8,
		cae_expiry = $9,
		fiscal_date = $10,
		customer_name = $11,
		customer_surname = $12,
		payment_method = $13,
		total = $14,
		deposit_discount = $15,
		attempt_count = $16,
		last_error = $17,
		last_attempt_at = $18,
		next_retry_at = $19,
		retry_payload = $20,
		claimed_at = $21,
		related_invoice_id = $22,
		document_ref = $23,
		document = $24,
		metadata = $25,
		status = $26,
		updated_at = $27,
		updated_by = $28
	WHERE id = $1 AND tenant_id = $2`

	result, err := q.ExecContext(ctx, query,
		inv.ID,
		inv.TenantID,
		inv.InvoiceKind,
		inv.InvoiceStatus,
		inv.PointOfSale,
		inv.VoucherType,
		inv.SequenceNumber,
		inv.CAE,
		inv.CAEExpiry,
		inv.FiscalDate,
		inv.CustomerName,
		inv.CustomerSurname,
		inv.PaymentMethod,
		inv.Total,
		inv.DepositDiscount,
		inv.AttemptCount,
		inv.LastError,
		inv.LastAttemptAt,
		inv.NextRetryAt,
		inv.RetryPayload,
		inv.ClaimedAt,
		inv.RelatedInvoiceID,
		inv.DocumentRef,
		inv.Document,
		inv.Metadata,
		inv.Status,
		time.Now().UTC(),
		inv.UpdatedBy,
	)
	if err != nil {
		return fmt.Errorf("update invoice: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update invoice: %w", err)
	}
	if rows == 0 {
		return invoice.ErrInvoiceNotFound
	}
	return nil
}

func (r *invoiceRepository) replaceLineItems(ctx context.Context, inv *invoice.Invoice) error {
	q := r.db.GetQuerier(ctx)

	_, err := q.ExecContext(ctx,
		`DELETE FROM invoice_line_items WHERE invoice_id = $1 AND tenant_id = $2`,
		inv.ID, inv.TenantID)
	if err != nil {
		return fmt.Errorf("replace invoice line items: %w", err)
	}
	return r.insertLineItems(ctx, inv)
}

// buildFilterConditions translates an InvoiceFilter into WHERE fragments.
// Args are appended positionally starting at the given index.
func buildFilterConditions(ctx context.Context, filter *types.InvoiceFilter) ([]string, []interface{}) {
	conditions := []string{"tenant_id = ?", "status = ?"}
	args := []interface{}{types.GetTenantID(ctx), types.StatusPublished}

	if filter == nil {
		return conditions, args
	}

	if len(filter.InvoiceIDs) > 0 {
		placeholders := make([]string, len(filter.InvoiceIDs))
		for i, id := range filter.InvoiceIDs {
			placeholders[i] = "?"
			args = append(args, id)
		}
		conditions = append(conditions, fmt.Sprintf("id IN (%s)", strings.Join(placeholders, ", ")))
	}
	if filter.InvoiceKind != "" {
		conditions = append(conditions, "invoice_kind = ?")
		args = append(args, filter.InvoiceKind)
	}
	if len(filter.InvoiceStatus) > 0 {
		placeholders := make([]string, len(filter.InvoiceStatus))
		for i, s := range filter.InvoiceStatus {
			placeholders[i] = "?"
			args = append(args, s)
		}
		conditions = append(conditions, fmt.Sprintf("invoice_status IN (%s)", strings.Join(placeholders, ", ")))
	}
	if filter.OriginKind != "" {
		conditions = append(conditions, "origin_kind = ?")
		args = append(args, filter.OriginKind)
	}
	if filter.OriginID != "" {
		conditions = append(conditions, "origin_id = ?")
		args = append(args, filter.OriginID)
	}
	if filter.PointOfSale != nil {
		conditions = append(conditions, "point_of_sale = ?")
		args = append(args, *filter.PointOfSale)
	}
	if filter.VoucherType != nil {
		conditions = append(conditions, "voucher_type = ?")
		args = append(args, *filter.VoucherType)
	}

	return conditions, args
}

// rebind converts ? placeholders to postgres $n placeholders
func rebind(query string) string {
	var b strings.Builder
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(ch)
	}
	return b.String()
}

func (r *invoiceRepository) List(ctx context.Context, filter *types.InvoiceFilter) ([]*invoice.Invoice, error) {
	q := r.db.GetQuerier(ctx)

	conditions, args := buildFilterConditions(ctx, filter)

	sort, order := "created_at", "DESC"
	if filter != nil {
		sort = filter.GetSort()
		if strings.EqualFold(filter.GetOrder(), "asc") {
			order = "ASC"
		}
	}
	// sort column comes from a fixed set, never from raw user input
	if sort != "created_at" && sort != "updated_at" && sort != "sequence_number" {
		sort = "created_at"
	}

	query := `SELECT ` + invoiceColumns + `
	FROM invoices
	WHERE ` + strings.Join(conditions, " AND ") +
		fmt.Sprintf(" ORDER BY %s %s", sort, order)

	if filter != nil && !filter.IsUnlimited() {
		query += " LIMIT ? OFFSET ?"
		args = append(args, filter.GetLimit(), filter.GetOffset())
	}

	invoices := []*invoice.Invoice{}
	if err := q.SelectContext(ctx, &invoices, rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list invoices: %w", err)
	}

	for _, inv := range invoices {
		if err := r.loadLineItems(ctx, inv); err != nil {
			return nil, err
		}
	}
	return invoices, nil
}

func (r *invoiceRepository) Count(ctx context.Context, filter *types.InvoiceFilter) (int, error) {
	q := r.db.GetQuerier(ctx)

	conditions, args := buildFilterConditions(ctx, filter)
	query := `SELECT COUNT(*) FROM invoices WHERE ` + strings.Join(conditions, " AND ")

	var count int
	if err := q.GetContext(ctx, &count, rebind(query), args...); err != nil {
		return 0, fmt.Errorf("count invoices: %w", err)
	}
	return count, nil
}

func (r *invoiceRepository) GetByOrigin(ctx context.Context, originKind types.OriginKind, originID string) (*invoice.Invoice, error) {
	q := r.db.GetQuerier(ctx)

	query := `SELECT ` + invoiceColumns + `
	FROM invoices
	WHERE tenant_id = $1 AND origin_kind = $2 AND origin_id = $3 AND status = $4
	ORDER BY created_at DESC
	LIMIT 1`

	var inv invoice.Invoice
	err := q.GetContext(ctx, &inv, query, types.GetTenantID(ctx), originKind, originID, types.StatusPublished)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, invoice.ErrInvoiceNotFound
		}
		return nil, fmt.Errorf("get invoice by origin: %w", err)
	}

	if err := r.loadLineItems(ctx, &inv); err != nil {
		return nil, err
	}
	return &inv, nil
}

func (r *invoiceRepository) ListDuePending(ctx context.Context, pq *invoice.PendingQuery) ([]*invoice.Invoice, error) {
	q := r.db.GetQuerier(ctx)

	conditions := []string{"invoice_status = ?", "status = ?"}
	args := []interface{}{types.InvoiceStatusPending, types.StatusPublished}

	if pq.TenantID != "" {
		conditions = append(conditions, "tenant_id = ?")
		args = append(args, pq.TenantID)
	}
	if pq.InvoiceID != "" {
		conditions = append(conditions, "id = ?")
		args = append(args, pq.InvoiceID)
	}
	if !pq.IgnoreDueTime {
		conditions = append(conditions, "(next_retry_at IS NULL OR next_retry_at <= ?)")
		args = append(args, pq.AsOf)
	}

	query := `SELECT ` + invoiceColumns + `
	FROM invoices
	WHERE ` + strings.Join(conditions, " AND ") + `
	ORDER BY created_at ASC`

	if pq.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, pq.Limit)
	}

	invoices := []*invoice.Invoice{}
	if err := q.SelectContext(ctx, &invoices, rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list due pending invoices: %w", err)
	}

	for _, inv := range invoices {
		if err := r.loadLineItems(ctx, inv); err != nil {
			return nil, err
		}
	}
	return invoices, nil
}

func (r *invoiceRepository) CountPending(ctx context.Context, tenantID string) (int, error) {
	q := r.db.GetQuerier(ctx)

	conditions := []string{"invoice_status = ?", "status = ?"}
	args := []interface{}{types.InvoiceStatusPending, types.StatusPublished}
	if tenantID != "" {
		conditions = append(conditions, "tenant_id = ?")
		args = append(args, tenantID)
	}

	query := `SELECT COUNT(*) FROM invoices WHERE ` + strings.Join(conditions, " AND ")

	var count int
	if err := q.GetContext(ctx, &count, rebind(query), args...); err != nil {
		return 0, fmt.Errorf("count pending invoices: %w", err)
	}
	return count, nil
}

func (r *invoiceRepository) CountOverdue(ctx context.Context, tenantID string, asOf time.Time) (int, error) {
	q := r.db.GetQuerier(ctx)

	conditions := []string{
		"invoice_status = ?",
		"status = ?",
		"(next_retry_at IS NULL OR next_retry_at <= ?)",
	}
	args := []interface{}{types.InvoiceStatusPending, types.StatusPublished, asOf}
	if tenantID != "" {
		conditions = append(conditions, "tenant_id = ?")
		args = append(args, tenantID)
	}

	query := `SELECT COUNT(*) FROM invoices WHERE ` + strings.Join(conditions, " AND ")

	var count int
	if err := q.GetContext(ctx, &count, rebind(query), args...); err != nil {
		return 0, fmt.Errorf("count overdue invoices: %w", err)
	}
	return count, nil
}

func (r *invoiceRepository) MaxIssuedSequence(ctx context.Context, pointOfSale, voucherType int) (int64, error) {
	q := r.db.GetQuerier(ctx)

	query := `
	SELECT COALESCE(MAX(sequence_number), 0)
	FROM invoices
	WHERE tenant_id = $1 AND point_of_sale = $2 AND voucher_type = $3
	  AND sequence_number IS NOT NULL AND status = $4`

	var max int64
	err := q.GetContext(ctx, &max, query, types.GetTenantID(ctx), pointOfSale, voucherType, types.StatusPublished)
	if err != nil {
		return 0, fmt.Errorf("max issued sequence: %w", err)
	}
	return max, nil
}

// ClaimPending performs the conditional update that makes retry processing
// safe under concurrency. A row is claimable when it is pending and either
// unclaimed or its previous claim's lease has lapsed.
func (r *invoiceRepository) ClaimPending(ctx context.Context, id string, now time.Time, lease time.Duration) (bool, error) {
	q := r.db.GetQuerier(ctx)

	query := `
	UPDATE invoices
	SET claimed_at = $1, updated_at = $1
	WHERE id = $2
	  AND invoice_status = $3
	  AND status = $4
	  AND (claimed_at IS NULL OR claimed_at < $5)`

	result, err := q.ExecContext(ctx, query,
		now,
		id,
		types.InvoiceStatusPending,
		types.StatusPublished,
		now.Add(-lease),
	)
	if err != nil {
		return false, fmt.Errorf("claim pending invoice: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim pending invoice: %w", err)
	}
	return rows > 0, nil
}

func (r *invoiceRepository) ReleaseClaim(ctx context.Context, id string) error {
	q := r.db.GetQuerier(ctx)

	_, err := q.ExecContext(ctx,
		`UPDATE invoices SET claimed_at = NULL, updated_at = $1 WHERE id = $2`,
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("release invoice claim: %w", err)
	}
	return nil
}
