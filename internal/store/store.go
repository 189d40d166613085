package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"madira/pos/internal/domain"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrValidation  = errors.New("invalid input")
	ErrConflict    = errors.New("concurrent modification")
	ErrUnavailable = errors.New("remote store unavailable")
	ErrCorrupt     = errors.New("corrupt remote document")
)

// InsufficientStockError carries the available quantity so the cashier can
// correct the cart line without guessing.
type InsufficientStockError struct {
	ProductID string
	Name      string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s: requested %d, available %d", e.Name, e.Requested, e.Available)
}

// ProductRemovedError reports a cart line whose product no longer exists in
// the catalog.
type ProductRemovedError struct {
	ProductID string
	Name      string
}

func (e *ProductRemovedError) Error() string {
	return fmt.Sprintf("product removed from catalog: %s", e.ProductID)
}

// IsRetryable reports whether the whole checkout may be safely re-run from
// scratch after this error.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict)
}

// OrderQuery bounds a ledger read. With no range the newest Limit orders are
// returned (newest first); with a range, orders are chronological.
type OrderQuery struct {
	From  *time.Time
	To    *time.Time
	Limit int
}

// DefaultOrderQueryLimit caps unbounded ledger reads.
const DefaultOrderQueryLimit = 2000

// CheckoutBuild is the pure compute step of a checkout. It receives the next
// receipt sequence and the locked products for every distinct cart line, and
// returns the order to persist or a validation error. It must not perform
// I/O; the repository invokes it between the read and write phases of one
// atomic unit.
type CheckoutBuild func(seq int64, products map[string]domain.Product) (domain.Order, error)

type Repository interface {
	ListProducts(ctx context.Context) ([]domain.Product, error)
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	UpsertProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	DeleteProduct(ctx context.Context, id string) error

	ListCategories(ctx context.Context) ([]domain.Category, error)
	UpsertCategory(ctx context.Context, category domain.Category) (*domain.Category, error)
	DeleteCategory(ctx context.Context, id string) error

	QueryOrders(ctx context.Context, q OrderQuery) ([]domain.Order, error)
	GetOrder(ctx context.Context, key string) (*domain.Order, error)
	SaveOrder(ctx context.Context, order domain.Order) (*domain.Order, error)
	DeleteOrder(ctx context.Context, key string) error

	// CurrentSequence is a read-only peek at the last-issued receipt number.
	// The counter itself is only ever written inside ExecuteCheckout.
	CurrentSequence(ctx context.Context) (int64, error)

	// ExecuteCheckout runs one checkout as an atomic unit: read the counter
	// and every cart product, call build, then write the incremented counter,
	// the decremented stocks and the new order, or abort with no effect.
	ExecuteCheckout(ctx context.Context, lines []domain.CartLine, build CheckoutBuild) (*domain.Order, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
