package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/storefront-oms/internal/domain"
)

// orderColumns выбирает заказ вместе с позициями и возвратами одной строкой.
const orderColumns = `
	o.id, o.customer_name, o.customer_email, o.customer_phone, o.customer_avatar,
	o.status, o.payment_status, o.fulfillment_status, o.tracking_number,
	o.shipping_address, o.paid_at, o.version, o.created_at, o.updated_at,
	COALESCE((
		SELECT json_agg(json_build_object(
			'name', i.name, 'quantity', i.quantity, 'unit_price', i.unit_price::text
		) ORDER BY i.position)
		FROM order_items i
		WHERE i.order_id = o.id
	), '[]'::json),
	COALESCE((
		SELECT json_agg(json_build_object(
			'id', f.id, 'amount', f.amount::text, 'reason', f.reason, 'processed_at', f.processed_at
		) ORDER BY f.position)
		FROM order_refunds f
		WHERE f.order_id = o.id
	), '[]'::json)`

const orderTotalExpr = `(
	SELECT COALESCE(SUM(i.quantity * i.unit_price), 0)
	FROM order_items i
	WHERE i.order_id = o.id
)`

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

type orderRepository struct {
	db *sql.DB
}

// NewOrderRepository создаёт PostgreSQL-реализацию OrderRepository.
func NewOrderRepository(store *Store) domain.OrderRepository {
	return &orderRepository{db: store.DB()}
}

type itemRow struct {
	Name      string          `json:"name"`
	Quantity  int32           `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

type refundRow struct {
	ID          string          `json:"id"`
	Amount      decimal.Decimal `json:"amount"`
	Reason      string          `json:"reason"`
	ProcessedAt time.Time       `json:"processed_at"`
}

type addressRow struct {
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
	Country    string `json:"country"`
}

func (r *orderRepository) NextID(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	for {
		var seq int64
		if err := r.db.QueryRowContext(ctx, `SELECT nextval('order_number_seq')`).Scan(&seq); err != nil {
			return "", fmt.Errorf("next order number: %w", err)
		}
		id := domain.FormatOrderID(seq)

		var taken bool
		if err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, id).Scan(&taken); err != nil {
			return "", fmt.Errorf("check order id: %w", err)
		}
		if !taken {
			return id, nil
		}
	}
}

func (r *orderRepository) Create(ctx context.Context, order domain.Order) (err error) {
	if order.ID == "" {
		return domain.NewValidationError("id", domain.ErrOrderIDRequired)
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	address, err := encodeAddress(order.ShippingAddress)
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	revision, err := bumpRevision(ctx, tx)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (
			id, customer_name, customer_email, customer_phone, customer_avatar,
			status, payment_status, fulfillment_status, tracking_number,
			shipping_address, paid_at, version, revision, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10::jsonb,$11,$12,$13,$14,$15)
	`,
		order.ID, order.Customer.Name, order.Customer.Email, order.Customer.Phone, order.Customer.Avatar,
		string(order.Status), string(order.PaymentStatus), string(order.FulfillmentStatus), order.TrackingNumber,
		address, nullTime(order.PaidAt), order.Version, revision, order.CreatedAt, order.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", domain.ErrOrderAlreadyExists, order.ID)
		}
		return fmt.Errorf("insert order: %w", err)
	}

	for pos, item := range order.Items {
		if _, err = tx.ExecContext(ctx, `
			INSERT INTO order_items (order_id, position, name, quantity, unit_price)
			VALUES ($1,$2,$3,$4,$5)
		`, order.ID, pos, item.Name, item.Quantity, item.UnitPrice); err != nil {
			return fmt.Errorf("insert order item: %w", err)
		}
	}

	if err = insertRefunds(ctx, tx, order.ID, 0, order.Refunds); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit create order: %w", err)
	}
	return nil
}

func (r *orderRepository) Get(ctx context.Context, id string) (domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	order, err := scanOrder(r.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders o WHERE o.id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, &domain.NotFoundError{OrderID: id}
		}
		return domain.Order{}, err
	}
	return order, nil
}

// ApplyMutation держит строку заказа под FOR UPDATE, пока мутация вычисляет новое состояние.
func (r *orderRepository) ApplyMutation(ctx context.Context, id string, mutate domain.Mutation) (domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Order{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var locked string
	if err := tx.QueryRowContext(ctx, `SELECT id FROM orders WHERE id = $1 FOR UPDATE`, id).Scan(&locked); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, &domain.NotFoundError{OrderID: id}
		}
		return domain.Order{}, fmt.Errorf("lock order: %w", err)
	}

	current, err := scanOrder(tx.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders o WHERE o.id = $1`, id))
	if err != nil {
		return domain.Order{}, err
	}

	next, err := mutate(current.Clone())
	if err != nil {
		return domain.Order{}, err
	}
	if err := domain.CheckMutation(current, next); err != nil {
		return domain.Order{}, err
	}
	next.Version = current.Version + 1

	revision, err := bumpRevision(ctx, tx)
	if err != nil {
		return domain.Order{}, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE orders
		SET status = $2,
		    payment_status = $3,
		    fulfillment_status = $4,
		    tracking_number = $5,
		    paid_at = $6,
		    version = $7,
		    revision = $8,
		    updated_at = $9
		WHERE id = $1
	`,
		id,
		string(next.Status),
		string(next.PaymentStatus),
		string(next.FulfillmentStatus),
		next.TrackingNumber,
		nullTime(next.PaidAt),
		next.Version,
		revision,
		next.UpdatedAt,
	); err != nil {
		return domain.Order{}, fmt.Errorf("update order: %w", err)
	}

	if err := insertRefunds(ctx, tx, id, len(current.Refunds), next.Refunds[len(current.Refunds):]); err != nil {
		return domain.Order{}, err
	}

	if err := tx.Commit(); err != nil {
		return domain.Order{}, fmt.Errorf("commit order mutation: %w", err)
	}
	return next, nil
}

// List стримит строки курсора; каждый проход выполняет запрос заново.
func (r *orderRepository) List(ctx context.Context, filter domain.ListFilter) iter.Seq2[domain.Order, error] {
	return func(yield func(domain.Order, error) bool) {
		if err := filter.Validate(); err != nil {
			yield(domain.Order{}, err)
			return
		}

		queryCtx, cancel := context.WithTimeout(ctx, listTimeout)
		defer cancel()

		query, args := buildListQuery(filter)
		rows, err := r.db.QueryContext(queryCtx, query, args...)
		if err != nil {
			yield(domain.Order{}, fmt.Errorf("list orders: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			order, err := scanOrder(rows)
			if err != nil {
				yield(domain.Order{}, err)
				return
			}
			if !yield(order, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(domain.Order{}, fmt.Errorf("iterate order rows: %w", err))
		}
	}
}

// Revision читает закоммиченное значение счётчика. Незавершённая запись держит строку
// store_revision до коммита, поэтому ревизии видны в порядке фиксации транзакций.
func (r *orderRepository) Revision(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var revision int64
	if err := r.db.QueryRowContext(ctx, `SELECT value FROM store_revision WHERE id = 1`).Scan(&revision); err != nil {
		return 0, fmt.Errorf("select store revision: %w", err)
	}
	return revision, nil
}

// bumpRevision увеличивает счётчик внутри транзакции записи и блокирует его строку до коммита.
func bumpRevision(ctx context.Context, tx *sql.Tx) (int64, error) {
	var revision int64
	err := tx.QueryRowContext(ctx, `UPDATE store_revision SET value = value + 1 WHERE id = 1 RETURNING value`).Scan(&revision)
	if err != nil {
		return 0, fmt.Errorf("bump store revision: %w", err)
	}
	return revision, nil
}

// buildListQuery переводит фильтр в SQL; порядок вставки (seq) разрешает равенство ключей сортировки.
func buildListQuery(filter domain.ListFilter) (string, []any) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if filter.Status != "" {
		where = append(where, "o.status = "+arg(string(filter.Status)))
	}
	if filter.PaymentStatus != "" {
		where = append(where, "o.payment_status = "+arg(string(filter.PaymentStatus)))
	}
	if !filter.From.IsZero() {
		where = append(where, "o.created_at >= "+arg(filter.From.UTC()))
	}
	if !filter.To.IsZero() {
		where = append(where, "o.created_at < "+arg(filter.To.UTC()))
	}
	if needle := strings.TrimSpace(filter.Customer); needle != "" {
		p := arg("%" + likeEscaper.Replace(needle) + "%")
		where = append(where, "(o.customer_name ILIKE "+p+" OR o.customer_email ILIKE "+p+")")
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(orderColumns)
	b.WriteString(" FROM orders o")
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}

	direction := "ASC"
	if filter.SortDesc {
		direction = "DESC"
	}
	switch filter.SortBy {
	case domain.SortCreatedAt:
		b.WriteString(" ORDER BY o.created_at " + direction + ", o.seq ASC")
	case domain.SortTotal:
		b.WriteString(" ORDER BY " + orderTotalExpr + " " + direction + ", o.seq ASC")
	default:
		b.WriteString(" ORDER BY o.seq ASC")
	}

	if filter.Limit > 0 {
		b.WriteString(" LIMIT " + arg(filter.Limit))
	}
	return b.String(), args
}

func scanOrder(row rowScanner) (domain.Order, error) {
	var (
		order                        domain.Order
		status, payment, fulfillment string
		addressRaw, itemsRaw, refRaw []byte
		paidAt                       sql.NullTime
	)

	if err := row.Scan(
		&order.ID, &order.Customer.Name, &order.Customer.Email, &order.Customer.Phone, &order.Customer.Avatar,
		&status, &payment, &fulfillment, &order.TrackingNumber,
		&addressRaw, &paidAt, &order.Version, &order.CreatedAt, &order.UpdatedAt,
		&itemsRaw, &refRaw,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, err
		}
		return domain.Order{}, fmt.Errorf("scan order row: %w", err)
	}

	order.Status = domain.OrderStatus(status)
	order.PaymentStatus = domain.PaymentStatus(payment)
	order.FulfillmentStatus = domain.FulfillmentStatus(fulfillment)
	order.CreatedAt = order.CreatedAt.UTC()
	order.UpdatedAt = order.UpdatedAt.UTC()
	if paidAt.Valid {
		t := paidAt.Time.UTC()
		order.PaidAt = &t
	}

	if len(addressRaw) > 0 {
		var addr addressRow
		if err := json.Unmarshal(addressRaw, &addr); err != nil {
			return domain.Order{}, fmt.Errorf("decode shipping address of %s: %w", order.ID, err)
		}
		order.ShippingAddress = &domain.Address{
			Line1:      addr.Line1,
			Line2:      addr.Line2,
			City:       addr.City,
			State:      addr.State,
			PostalCode: addr.PostalCode,
			Country:    addr.Country,
		}
	}

	var items []itemRow
	if err := json.Unmarshal(itemsRaw, &items); err != nil {
		return domain.Order{}, fmt.Errorf("decode items of %s: %w", order.ID, err)
	}
	for _, item := range items {
		order.Items = append(order.Items, domain.OrderItem{Name: item.Name, Quantity: item.Quantity, UnitPrice: item.UnitPrice})
	}

	var refunds []refundRow
	if err := json.Unmarshal(refRaw, &refunds); err != nil {
		return domain.Order{}, fmt.Errorf("decode refunds of %s: %w", order.ID, err)
	}
	for _, refund := range refunds {
		order.Refunds = append(order.Refunds, domain.Refund{
			ID:          refund.ID,
			Amount:      refund.Amount,
			Reason:      refund.Reason,
			ProcessedAt: refund.ProcessedAt.UTC(),
		})
	}

	return order, nil
}

func insertRefunds(ctx context.Context, tx *sql.Tx, orderID string, offset int, refunds []domain.Refund) error {
	for i, refund := range refunds {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO order_refunds (id, order_id, position, amount, reason, processed_at)
			VALUES ($1,$2,$3,$4,$5,$6)
		`, refund.ID, orderID, offset+i, refund.Amount, refund.Reason, refund.ProcessedAt); err != nil {
			return fmt.Errorf("insert refund: %w", err)
		}
	}
	return nil
}

func encodeAddress(addr *domain.Address) (any, error) {
	if addr == nil {
		return nil, nil
	}
	raw, err := json.Marshal(addressRow{
		Line1:      addr.Line1,
		Line2:      addr.Line2,
		City:       addr.City,
		State:      addr.State,
		PostalCode: addr.PostalCode,
		Country:    addr.Country,
	})
	if err != nil {
		return nil, fmt.Errorf("encode shipping address: %w", err)
	}
	return string(raw), nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

var _ domain.OrderRepository = (*orderRepository)(nil)
