package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"madira/pos/internal/domain"
	"madira/pos/internal/store"
)

// seedSequence matches the counter value the original deployment started
// from; a missing counters row is initialized to it on first checkout.
const seedSequence = 1020

type Store struct {
	db      *sql.DB
	storeID string
}

func New(ctx context.Context, databaseURL string, storeID string) (*Store, error) {
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
		return nil, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}

	return &Store{db: db, storeID: storeID}, nil
}

// NewWithDB wraps an existing connection; used by tests.
func NewWithDB(db *sql.DB, storeID string) *Store {
	return &Store{db: db, storeID: storeID}
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, category, sub, size, price_cents, stock, low_stock,
			barcode, image, tax_rate_percent, created_at, updated_at
		FROM products
		WHERE store_id = $1
		ORDER BY category, name
	`, s.storeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 128)
	for rows.Next() {
		var p domain.Product
		var taxRate sql.NullFloat64
		if err := rows.Scan(&p.ID, &p.Name, &p.Category, &p.Sub, &p.Size, &p.PriceCents, &p.Stock,
			&p.LowStock, &p.Barcode, &p.Image, &taxRate, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		if taxRate.Valid {
			p.TaxRatePercent = &taxRate.Float64
		}
		p.CreatedAt = p.CreatedAt.UTC()
		p.UpdatedAt = p.UpdatedAt.UTC()
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return products, nil
}

func (s *Store) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	var p domain.Product
	var taxRate sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, category, sub, size, price_cents, stock, low_stock,
			barcode, image, tax_rate_percent, created_at, updated_at
		FROM products
		WHERE store_id = $1 AND id = $2
	`, s.storeID, id).Scan(&p.ID, &p.Name, &p.Category, &p.Sub, &p.Size, &p.PriceCents, &p.Stock,
		&p.LowStock, &p.Barcode, &p.Image, &taxRate, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if taxRate.Valid {
		p.TaxRatePercent = &taxRate.Float64
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return &p, nil
}

func (s *Store) UpsertProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.ID == "" || product.Name == "" || product.Category == "" {
		return nil, store.ErrValidation
	}
	if product.PriceCents < 0 || product.Stock < 0 || product.LowStock < 0 {
		return nil, store.ErrValidation
	}
	if product.TaxRatePercent != nil && (*product.TaxRatePercent < 0 || *product.TaxRatePercent > 100) {
		return nil, store.ErrValidation
	}

	now := time.Now().UTC()
	if product.CreatedAt.IsZero() {
		product.CreatedAt = now
	}
	product.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (
			store_id, id, name, category, sub, size, price_cents, stock, low_stock,
			barcode, image, tax_rate_percent, created_at, updated_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (store_id, id)
		DO UPDATE SET name = EXCLUDED.name, category = EXCLUDED.category, sub = EXCLUDED.sub,
			size = EXCLUDED.size, price_cents = EXCLUDED.price_cents, stock = EXCLUDED.stock,
			low_stock = EXCLUDED.low_stock, barcode = EXCLUDED.barcode, image = EXCLUDED.image,
			tax_rate_percent = EXCLUDED.tax_rate_percent, updated_at = EXCLUDED.updated_at
	`, s.storeID, product.ID, product.Name, product.Category, product.Sub, product.Size,
		product.PriceCents, product.Stock, product.LowStock, product.Barcode, product.Image,
		product.TaxRatePercent, product.CreatedAt, product.UpdatedAt)
	if err != nil {
		return nil, err
	}

	saved := product
	return &saved, nil
}

func (s *Store) DeleteProduct(ctx context.Context, id string) error {
	if id == "" {
		return store.ErrValidation
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM products WHERE store_id = $1 AND id = $2
	`, s.storeID, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ListCategories(ctx context.Context) ([]domain.Category, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, icon, updated_at
		FROM categories
		WHERE store_id = $1
		ORDER BY name
	`, s.storeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	categories := make([]domain.Category, 0, 16)
	for rows.Next() {
		var c domain.Category
		if err := rows.Scan(&c.ID, &c.Name, &c.Icon, &c.UpdatedAt); err != nil {
			return nil, err
		}
		c.UpdatedAt = c.UpdatedAt.UTC()
		categories = append(categories, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return categories, nil
}

func (s *Store) UpsertCategory(ctx context.Context, category domain.Category) (*domain.Category, error) {
	if category.ID == "" || category.Name == "" {
		return nil, store.ErrValidation
	}
	if category.Icon == "" {
		category.Icon = "•"
	}
	category.UpdatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO categories (store_id, id, name, icon, updated_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (store_id, id)
		DO UPDATE SET name = EXCLUDED.name, icon = EXCLUDED.icon, updated_at = EXCLUDED.updated_at
	`, s.storeID, category.ID, category.Name, category.Icon, category.UpdatedAt)
	if err != nil {
		return nil, err
	}

	saved := category
	return &saved, nil
}

func (s *Store) DeleteCategory(ctx context.Context, id string) error {
	if id == "" {
		return store.ErrValidation
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM categories WHERE store_id = $1 AND id = $2
	`, s.storeID, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) QueryOrders(ctx context.Context, q store.OrderQuery) ([]domain.Order, error) {
	limit := q.Limit
	if limit < 1 {
		limit = store.DefaultOrderQueryLimit
	}

	query := `
		SELECT doc_key, seq, receipt_id, ts, time_label, method, status, cashier, terminal,
			subtotal_cents, tax_cents, amount_cents, tax_rate_percent, created_at, updated_at
		FROM orders
		WHERE store_id = $1
	`
	args := []any{s.storeID}
	if q.From != nil {
		args = append(args, q.From.UTC())
		query += fmt.Sprintf(" AND ts >= $%d", len(args))
	}
	if q.To != nil {
		args = append(args, q.To.UTC())
		query += fmt.Sprintf(" AND ts <= $%d", len(args))
	}
	if q.From != nil || q.To != nil {
		query += " ORDER BY ts ASC"
	} else {
		query += " ORDER BY ts DESC"
	}
	args = append(args, limit)
	query += fmt.Sprintf(" LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	orders := make([]domain.Order, 0, 64)
	keys := make([]string, 0, 64)
	for rows.Next() {
		var o domain.Order
		if err := rows.Scan(&o.Key, &o.Seq, &o.ReceiptID, &o.TS, &o.TimeLabel, &o.Method, &o.Status,
			&o.Cashier, &o.Terminal, &o.SubtotalCents, &o.TaxCents, &o.AmountCents,
			&o.TaxRatePercent, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, err
		}
		o.TS = o.TS.UTC()
		o.TSISO = o.TS.Format(time.RFC3339)
		o.CreatedAt = o.CreatedAt.UTC()
		o.UpdatedAt = o.UpdatedAt.UTC()
		orders = append(orders, o)
		keys = append(keys, o.Key)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := s.attachItems(ctx, orders, keys); err != nil {
		return nil, err
	}
	return orders, nil
}

func (s *Store) attachItems(ctx context.Context, orders []domain.Order, keys []string) error {
	if len(keys) == 0 {
		return nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT doc_key, product_id, name, price_cents, qty, category, sub, size, barcode
		FROM order_items
		WHERE store_id = $1 AND doc_key = ANY($2)
		ORDER BY doc_key, line_no
	`, s.storeID, keys)
	if err != nil {
		return err
	}
	defer rows.Close()

	byKey := make(map[string][]domain.OrderLine, len(keys))
	for rows.Next() {
		var key string
		var line domain.OrderLine
		if err := rows.Scan(&key, &line.ProductID, &line.Name, &line.PriceCents, &line.Qty,
			&line.Category, &line.Sub, &line.Size, &line.Barcode); err != nil {
			return err
		}
		byKey[key] = append(byKey[key], line)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for i := range orders {
		orders[i].Items = byKey[orders[i].Key]
	}
	return nil
}

func (s *Store) GetOrder(ctx context.Context, key string) (*domain.Order, error) {
	var o domain.Order
	err := s.db.QueryRowContext(ctx, `
		SELECT doc_key, seq, receipt_id, ts, time_label, method, status, cashier, terminal,
			subtotal_cents, tax_cents, amount_cents, tax_rate_percent, created_at, updated_at
		FROM orders
		WHERE store_id = $1 AND doc_key = $2
	`, s.storeID, key).Scan(&o.Key, &o.Seq, &o.ReceiptID, &o.TS, &o.TimeLabel, &o.Method, &o.Status,
		&o.Cashier, &o.Terminal, &o.SubtotalCents, &o.TaxCents, &o.AmountCents,
		&o.TaxRatePercent, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	o.TS = o.TS.UTC()
	o.TSISO = o.TS.Format(time.RFC3339)
	o.CreatedAt = o.CreatedAt.UTC()
	o.UpdatedAt = o.UpdatedAt.UTC()

	orders := []domain.Order{o}
	if err := s.attachItems(ctx, orders, []string{key}); err != nil {
		return nil, err
	}
	return &orders[0], nil
}

func (s *Store) SaveOrder(ctx context.Context, order domain.Order) (*domain.Order, error) {
	if order.Key == "" || order.ReceiptID == "" {
		return nil, store.ErrValidation
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	if order.TS.IsZero() {
		order.TS = now
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now
	order.TSISO = order.TS.UTC().Format(time.RFC3339)

	if err := insertOrderTx(ctx, tx, s.storeID, order); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	saved := order
	return &saved, nil
}

// insertOrderTx upserts the order row and replaces its line items inside the
// caller's transaction. Shared by SaveOrder and ExecuteCheckout.
func insertOrderTx(ctx context.Context, tx *sql.Tx, storeID string, order domain.Order) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO orders (
			store_id, doc_key, seq, receipt_id, ts, time_label, method, status, cashier,
			terminal, subtotal_cents, tax_cents, amount_cents, tax_rate_percent,
			created_at, updated_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		ON CONFLICT (store_id, doc_key)
		DO UPDATE SET seq = EXCLUDED.seq, receipt_id = EXCLUDED.receipt_id, ts = EXCLUDED.ts,
			time_label = EXCLUDED.time_label, method = EXCLUDED.method, status = EXCLUDED.status,
			cashier = EXCLUDED.cashier, terminal = EXCLUDED.terminal,
			subtotal_cents = EXCLUDED.subtotal_cents, tax_cents = EXCLUDED.tax_cents,
			amount_cents = EXCLUDED.amount_cents, tax_rate_percent = EXCLUDED.tax_rate_percent,
			updated_at = EXCLUDED.updated_at
	`, storeID, order.Key, order.Seq, order.ReceiptID, order.TS.UTC(), order.TimeLabel,
		order.Method, order.Status, order.Cashier, order.Terminal, order.SubtotalCents,
		order.TaxCents, order.AmountCents, order.TaxRatePercent, order.CreatedAt, order.UpdatedAt)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		DELETE FROM order_items WHERE store_id = $1 AND doc_key = $2
	`, storeID, order.Key)
	if err != nil {
		return err
	}

	for i, line := range order.Items {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO order_items (
				store_id, doc_key, line_no, product_id, name, price_cents, qty,
				category, sub, size, barcode
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		`, storeID, order.Key, i+1, line.ProductID, line.Name, line.PriceCents, line.Qty,
			line.Category, line.Sub, line.Size, line.Barcode)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) DeleteOrder(ctx context.Context, key string) error {
	if key == "" {
		return store.ErrValidation
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		DELETE FROM order_items WHERE store_id = $1 AND doc_key = $2
	`, s.storeID, key)
	if err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, `
		DELETE FROM orders WHERE store_id = $1 AND doc_key = $2
	`, s.storeID, key)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}

	return tx.Commit()
}

func (s *Store) CurrentSequence(ctx context.Context) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `
		SELECT pos_seq FROM counters WHERE store_id = $1
	`, s.storeID).Scan(&seq)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return seedSequence, nil
		}
		return 0, err
	}
	return seq, nil
}

func (s *Store) ExecuteCheckout(ctx context.Context, lines []domain.CartLine, build store.CheckoutBuild) (*domain.Order, error) {
	if len(lines) == 0 {
		return nil, store.ErrValidation
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	// Read phase: counter first, then every distinct cart product, all locked
	// so concurrent checkouts serialize on the rows they share.
	last, err := lockSequenceTx(ctx, tx, s.storeID)
	if err != nil {
		return nil, mapTxError(err)
	}

	ids := distinctProductIDs(lines)
	rows, err := tx.QueryContext(ctx, `
		SELECT id, name, category, sub, size, price_cents, stock, low_stock,
			barcode, image, tax_rate_percent
		FROM products
		WHERE store_id = $1 AND id = ANY($2)
		FOR UPDATE
	`, s.storeID, ids)
	if err != nil {
		return nil, mapTxError(err)
	}
	products := make(map[string]domain.Product, len(ids))
	for rows.Next() {
		var p domain.Product
		var taxRate sql.NullFloat64
		if err := rows.Scan(&p.ID, &p.Name, &p.Category, &p.Sub, &p.Size, &p.PriceCents, &p.Stock,
			&p.LowStock, &p.Barcode, &p.Image, &taxRate); err != nil {
			_ = rows.Close()
			return nil, err
		}
		if taxRate.Valid {
			p.TaxRatePercent = &taxRate.Float64
		}
		products[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, mapTxError(err)
	}
	_ = rows.Close()

	// Compute phase: pure, no I/O. Validation failures abort with no writes.
	order, err := build(last+1, products)
	if err != nil {
		return nil, err
	}

	// Write phase.
	_, err = tx.ExecContext(ctx, `
		UPDATE counters SET pos_seq = $2 WHERE store_id = $1
	`, s.storeID, last+1)
	if err != nil {
		return nil, mapTxError(err)
	}

	for _, line := range lines {
		res, err := tx.ExecContext(ctx, `
			UPDATE products
			SET stock = stock - $3, updated_at = now()
			WHERE store_id = $1 AND id = $2 AND stock >= $3
		`, s.storeID, line.ProductID, line.Qty)
		if err != nil {
			return nil, mapTxError(err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if affected == 0 {
			p := products[line.ProductID]
			return nil, &store.InsufficientStockError{
				ProductID: line.ProductID,
				Name:      p.Name,
				Requested: line.Qty,
				Available: p.Stock,
			}
		}
	}

	if err := insertOrderTx(ctx, tx, s.storeID, order); err != nil {
		return nil, mapTxError(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, mapTxError(err)
	}

	saved := order
	return &saved, nil
}

// lockSequenceTx reads the counter row under a row lock, creating it with the
// seed value when the store has never checked out before.
func lockSequenceTx(ctx context.Context, tx *sql.Tx, storeID string) (int64, error) {
	var seq int64
	err := tx.QueryRowContext(ctx, `
		SELECT pos_seq FROM counters WHERE store_id = $1 FOR UPDATE
	`, storeID).Scan(&seq)
	if err == nil {
		return seq, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO counters (store_id, pos_seq)
		VALUES ($1, $2)
		ON CONFLICT (store_id) DO NOTHING
	`, storeID, seedSequence)
	if err != nil {
		return 0, err
	}

	err = tx.QueryRowContext(ctx, `
		SELECT pos_seq FROM counters WHERE store_id = $1 FOR UPDATE
	`, storeID).Scan(&seq)
	if err != nil {
		return 0, err
	}
	return seq, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	if user.Username == "" || user.Password == "" {
		return store.ErrValidation
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password, role, cashier_name, terminal, active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, user.Username, user.Password, user.Role, user.CashierName, user.Terminal, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrValidation
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, cashier_name, terminal, active, created_at
		FROM users
		ORDER BY username
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 8)
	for rows.Next() {
		var u domain.UserAccount
		if err := rows.Scan(&u.Username, &u.Password, &u.Role, &u.CashierName, &u.Terminal, &u.Active, &u.CreatedAt); err != nil {
			return nil, err
		}
		u.CreatedAt = u.CreatedAt.UTC()
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	if username == "" || password == "" {
		return store.ErrValidation
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET password = $2 WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func distinctProductIDs(lines []domain.CartLine) []string {
	seen := make(map[string]struct{}, len(lines))
	ids := make([]string, 0, len(lines))
	for _, line := range lines {
		if _, ok := seen[line.ProductID]; ok {
			continue
		}
		seen[line.ProductID] = struct{}{}
		ids = append(ids, line.ProductID)
	}
	return ids
}

// mapTxError converts serialization and deadlock failures into the retryable
// conflict error so the coordinator can re-run the whole checkout.
func mapTxError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return fmt.Errorf("%w: %v", store.ErrConflict, err)
		}
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
