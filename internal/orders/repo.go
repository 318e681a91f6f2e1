package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound           = errors.New("order not found")
	ErrDuplicateReference = errors.New("payment reference already used")
)

type Repo struct{ DB *pgxpool.Pool }

// Insert writes the order with its lines and tenders in one transaction:
// the order exists fully formed or not at all.
func (r *Repo) Insert(ctx context.Context, o *Order) error {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var sh Shipping
	if o.Shipping != nil {
		sh = *o.Shipping
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO orders (id, payment_reference, channel, customer_name, customer_id_number,
		                    customer_email, customer_phone, shipping_name, shipping_lastname,
		                    shipping_id, shipping_phone, total, change_due, status, payment_status,
		                    payment_method, customer_reference, payment_instructions)
		VALUES ($1,$2,$3,$4,NULLIF($5,''),NULLIF($6,''),NULLIF($7,''),NULLIF($8,''),NULLIF($9,''),
		        NULLIF($10,''),NULLIF($11,''),$12::numeric,$13::numeric,$14,$15,$16,NULLIF($17,''),NULLIF($18,''))
		RETURNING created_at, updated_at`,
		o.ID, o.Reference, o.Channel, o.Customer.Name, o.Customer.IDNumber,
		o.Customer.Email, o.Customer.Phone, sh.Name, sh.Lastname,
		sh.IDNumber, sh.Phone, o.Total.String(), o.Change.String(), o.Status, o.PaymentStatus,
		o.MethodSummary, o.CustomerReference, o.Instructions,
	).Scan(&o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if isReferenceConflict(err) {
			return ErrDuplicateReference
		}
		return err
	}

	for _, l := range o.Lines {
		if _, err := tx.Exec(ctx, `
			INSERT INTO order_items (order_id, product_id, product_name, quantity, price)
			VALUES ($1,$2,$3,$4,$5::numeric)`,
			o.ID, l.ProductID, l.Name, l.Quantity, l.UnitPrice.String()); err != nil {
			return err
		}
	}
	for i, t := range o.Tenders {
		if _, err := tx.Exec(ctx, `
			INSERT INTO order_tenders (order_id, position, method, amount, reference)
			VALUES ($1,$2,$3,$4::numeric,NULLIF($5,''))`,
			o.ID, i, t.Method, t.Amount.String(), t.Reference); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func isReferenceConflict(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505" &&
		strings.Contains(pgErr.ConstraintName, "payment_reference")
}

// ReferencesWithPrefix lists every reference starting with prefix, ignoring case.
func (r *Repo) ReferencesWithPrefix(ctx context.Context, prefix string) ([]string, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT payment_reference FROM orders
		WHERE lower(payment_reference) LIKE lower($1) || '%'`, prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return nil, err
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}

func (r *Repo) ReferenceExists(ctx context.Context, ref string) (bool, error) {
	var exists bool
	err := r.DB.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM orders WHERE lower(payment_reference) = lower($1))`, ref).Scan(&exists)
	return exists, err
}

// NextReferenceNumber draws from the database sequence, atomic across writers.
func (r *Repo) NextReferenceNumber(ctx context.Context) (int64, error) {
	var n int64
	err := r.DB.QueryRow(ctx, `SELECT nextval('payment_reference_seq')`).Scan(&n)
	return n, err
}

const orderCols = `id::text, payment_reference, channel, customer_name, COALESCE(customer_id_number,''),
	COALESCE(customer_email,''), COALESCE(customer_phone,''), COALESCE(shipping_name,''),
	COALESCE(shipping_lastname,''), COALESCE(shipping_id,''), COALESCE(shipping_phone,''),
	total::text, change_due::text, status, payment_status, payment_method,
	COALESCE(customer_reference,''), COALESCE(payment_instructions,''), created_at, updated_at`

func scanOrder(row pgx.Row) (*Order, error) {
	var (
		o             Order
		sh            Shipping
		total, change string
	)
	if err := row.Scan(&o.ID, &o.Reference, &o.Channel, &o.Customer.Name, &o.Customer.IDNumber,
		&o.Customer.Email, &o.Customer.Phone, &sh.Name, &sh.Lastname, &sh.IDNumber, &sh.Phone,
		&total, &change, &o.Status, &o.PaymentStatus, &o.MethodSummary,
		&o.CustomerReference, &o.Instructions, &o.CreatedAt, &o.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var err error
	if o.Total, err = decimal.NewFromString(total); err != nil {
		return nil, fmt.Errorf("order %s total: %w", o.ID, err)
	}
	if o.Change, err = decimal.NewFromString(change); err != nil {
		return nil, fmt.Errorf("order %s change: %w", o.ID, err)
	}
	if sh != (Shipping{}) {
		o.Shipping = &sh
	}
	return &o, nil
}

func (r *Repo) Get(ctx context.Context, id string) (*Order, error) {
	o, err := scanOrder(r.DB.QueryRow(ctx, `SELECT `+orderCols+` FROM orders WHERE id::text=$1`, id))
	if err != nil {
		return nil, err
	}
	if err := r.loadDetails(ctx, []*Order{o}); err != nil {
		return nil, err
	}
	return o, nil
}

func (r *Repo) List(ctx context.Context, f Filter) ([]Order, error) {
	limit := f.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	var from, to *time.Time
	if !f.From.IsZero() {
		from = &f.From
	}
	if !f.To.IsZero() {
		to = &f.To
	}
	rows, err := r.DB.Query(ctx, `
		SELECT `+orderCols+` FROM orders
		WHERE ($1 = '' OR status = $1)
		  AND ($2 = '' OR lower(payment_reference) LIKE lower($2) || '%')
		  AND ($3::timestamptz IS NULL OR created_at >= $3)
		  AND ($4::timestamptz IS NULL OR created_at < $4)
		ORDER BY created_at DESC
		LIMIT $5 OFFSET $6`,
		string(f.Status), f.Reference, from, to, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()
	if err := r.loadDetails(ctx, out); err != nil {
		return nil, err
	}
	res := make([]Order, 0, len(out))
	for _, o := range out {
		res = append(res, *o)
	}
	return res, nil
}

func (r *Repo) loadDetails(ctx context.Context, list []*Order) error {
	if len(list) == 0 {
		return nil
	}
	byID := make(map[string]*Order, len(list))
	ids := make([]string, 0, len(list))
	for _, o := range list {
		byID[o.ID] = o
		ids = append(ids, o.ID)
	}

	rows, err := r.DB.Query(ctx, `
		SELECT order_id::text, product_id, product_name, quantity, price::text
		FROM order_items WHERE order_id::text = ANY($1) ORDER BY id`, ids)
	if err != nil {
		return err
	}
	for rows.Next() {
		var (
			oid   string
			l     Line
			price string
		)
		if err := rows.Scan(&oid, &l.ProductID, &l.Name, &l.Quantity, &price); err != nil {
			rows.Close()
			return err
		}
		if l.UnitPrice, err = decimal.NewFromString(price); err != nil {
			rows.Close()
			return err
		}
		byID[oid].Lines = append(byID[oid].Lines, l)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	rows, err = r.DB.Query(ctx, `
		SELECT order_id::text, method, amount::text, COALESCE(reference,'')
		FROM order_tenders WHERE order_id::text = ANY($1) ORDER BY order_id, position`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			oid    string
			t      Tender
			amount string
		)
		if err := rows.Scan(&oid, &t.Method, &amount, &t.Reference); err != nil {
			return err
		}
		if t.Amount, err = decimal.NewFromString(amount); err != nil {
			return err
		}
		byID[oid].Tenders = append(byID[oid].Tenders, t)
	}
	return rows.Err()
}

// UpdateStatus moves an order to status to under a row lock and returns the
// previous status. Completado also marks the payment completed.
func (r *Repo) UpdateStatus(ctx context.Context, id string, to Status, admin bool) (Status, error) {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var from Status
	if err := tx.QueryRow(ctx, `SELECT status FROM orders WHERE id::text=$1 FOR UPDATE`, id).Scan(&from); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}
	if !CanChange(admin, from, to) {
		return from, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	if ps, ok := PaymentStatusFor(to); ok {
		_, err = tx.Exec(ctx, `UPDATE orders SET status=$2, payment_status=$3, updated_at=NOW() WHERE id::text=$1`, id, to, ps)
	} else {
		_, err = tx.Exec(ctx, `UPDATE orders SET status=$2, updated_at=NOW() WHERE id::text=$1`, id, to)
	}
	if err != nil {
		return from, err
	}
	return from, tx.Commit(ctx)
}
