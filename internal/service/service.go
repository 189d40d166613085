package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"madira/pos/internal/domain"
	"madira/pos/internal/identity"
	"madira/pos/internal/notify"
	"madira/pos/internal/store"
)

const defaultLowStockThreshold = 10

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// Service is the back-office write path: catalog management and ledger edits.
// Terminal checkouts go through the checkout coordinator instead.
type Service struct {
	repo           store.Repository
	bus            notify.Bus
	taxRatePercent float64
}

func New(repo store.Repository, bus notify.Bus, taxRatePercent float64) *Service {
	return &Service{repo: repo, bus: bus, taxRatePercent: taxRatePercent}
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx)
}

func (s *Service) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	return s.repo.GetProduct(ctx, id)
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.Product{}, fmt.Errorf("admin role required")
	}

	req.Name = strings.TrimSpace(req.Name)
	req.Category = strings.TrimSpace(req.Category)
	req.Barcode = strings.TrimSpace(req.Barcode)
	if req.Name == "" || req.Category == "" || req.Barcode == "" {
		return domain.Product{}, store.ErrValidation
	}
	if req.PriceCents < 0 || req.Stock < 0 {
		return domain.Product{}, store.ErrValidation
	}
	if req.TaxRatePercent != nil && (*req.TaxRatePercent < 0 || *req.TaxRatePercent > 100) {
		return domain.Product{}, store.ErrValidation
	}

	lowStock := defaultLowStockThreshold
	if req.LowStock != nil {
		if *req.LowStock < 0 {
			return domain.Product{}, store.ErrValidation
		}
		lowStock = *req.LowStock
	}

	// Barcode uniqueness is advisory: the id embeds the barcode tail, so a
	// true duplicate collides on id anyway. Warn early regardless.
	s.warnDuplicateBarcode(ctx, req.Barcode, "")

	product := domain.Product{
		ID:             identity.ProductID(req.Name, req.Barcode),
		Name:           req.Name,
		Category:       req.Category,
		Sub:            strings.TrimSpace(req.Sub),
		Size:           strings.TrimSpace(req.Size),
		PriceCents:     req.PriceCents,
		Stock:          req.Stock,
		LowStock:       lowStock,
		Barcode:        req.Barcode,
		Image:          strings.TrimSpace(req.Image),
		TaxRatePercent: req.TaxRatePercent,
	}

	saved, err := s.repo.UpsertProduct(ctx, product)
	if err != nil {
		return domain.Product{}, err
	}

	s.logAudit(ctx, "product_create", saved.ID, fmt.Sprintf("name=%s,price=%d,stock=%d", saved.Name, saved.PriceCents, saved.Stock))
	s.publish(ctx, notify.TopicCatalog)
	return *saved, nil
}

// UpdateProduct edits fields in place. The id never changes, even when name
// or barcode do.
func (s *Service) UpdateProduct(ctx context.Context, id string, req domain.ProductUpdateRequest) (domain.Product, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.Product{}, fmt.Errorf("admin role required")
	}

	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Product{}, store.ErrValidation
	}

	existing, err := s.repo.GetProduct(ctx, id)
	if err != nil {
		return domain.Product{}, err
	}

	updated := *existing
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return domain.Product{}, store.ErrValidation
		}
		updated.Name = name
	}
	if req.Category != nil {
		category := strings.TrimSpace(*req.Category)
		if category == "" {
			return domain.Product{}, store.ErrValidation
		}
		updated.Category = category
	}
	if req.Sub != nil {
		updated.Sub = strings.TrimSpace(*req.Sub)
	}
	if req.Size != nil {
		updated.Size = strings.TrimSpace(*req.Size)
	}
	if req.PriceCents != nil {
		if *req.PriceCents < 0 {
			return domain.Product{}, store.ErrValidation
		}
		updated.PriceCents = *req.PriceCents
	}
	if req.Stock != nil {
		if *req.Stock < 0 {
			return domain.Product{}, store.ErrValidation
		}
		updated.Stock = *req.Stock
	}
	if req.LowStock != nil {
		if *req.LowStock < 0 {
			return domain.Product{}, store.ErrValidation
		}
		updated.LowStock = *req.LowStock
	}
	if req.Barcode != nil {
		barcode := strings.TrimSpace(*req.Barcode)
		if barcode == "" {
			return domain.Product{}, store.ErrValidation
		}
		if barcode != existing.Barcode {
			s.warnDuplicateBarcode(ctx, barcode, id)
		}
		updated.Barcode = barcode
	}
	if req.Image != nil {
		updated.Image = strings.TrimSpace(*req.Image)
	}
	if req.TaxRatePercent != nil {
		if *req.TaxRatePercent < 0 || *req.TaxRatePercent > 100 {
			return domain.Product{}, store.ErrValidation
		}
		rate := *req.TaxRatePercent
		updated.TaxRatePercent = &rate
	}

	saved, err := s.repo.UpsertProduct(ctx, updated)
	if err != nil {
		return domain.Product{}, err
	}

	s.logAudit(ctx, "product_update", saved.ID, fmt.Sprintf("price=%d,stock=%d", saved.PriceCents, saved.Stock))
	s.publish(ctx, notify.TopicCatalog)
	return *saved, nil
}

// Restock sets the absolute stock level. Concurrent restocks are
// last-write-wins; only checkouts decrement stock transactionally.
func (s *Service) Restock(ctx context.Context, id string, stock int) (domain.Product, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.Product{}, fmt.Errorf("admin role required")
	}
	if stock < 0 {
		return domain.Product{}, store.ErrValidation
	}

	existing, err := s.repo.GetProduct(ctx, id)
	if err != nil {
		return domain.Product{}, err
	}

	updated := *existing
	updated.Stock = stock
	saved, err := s.repo.UpsertProduct(ctx, updated)
	if err != nil {
		return domain.Product{}, err
	}

	s.logAudit(ctx, "product_restock", saved.ID, fmt.Sprintf("stock=%d", stock))
	s.publish(ctx, notify.TopicCatalog)
	return *saved, nil
}

func (s *Service) DeleteProduct(ctx context.Context, id string) error {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return fmt.Errorf("admin role required")
	}

	if err := s.repo.DeleteProduct(ctx, id); err != nil {
		return err
	}

	s.logAudit(ctx, "product_delete", id, "")
	s.publish(ctx, notify.TopicCatalog)
	return nil
}

func (s *Service) ListCategories(ctx context.Context) ([]domain.Category, error) {
	return s.repo.ListCategories(ctx)
}

// UpsertCategory creates or updates the category keyed by its name-derived
// id. Renaming therefore creates a new document; callers delete the old id
// themselves when they intend a rename.
func (s *Service) UpsertCategory(ctx context.Context, req domain.CategoryUpsertRequest) (domain.Category, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.Category{}, fmt.Errorf("admin role required")
	}

	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return domain.Category{}, store.ErrValidation
	}

	category := domain.Category{
		ID:   identity.CategoryID(req.Name),
		Name: req.Name,
		Icon: strings.TrimSpace(req.Icon),
	}
	saved, err := s.repo.UpsertCategory(ctx, category)
	if err != nil {
		return domain.Category{}, err
	}

	s.logAudit(ctx, "category_upsert", saved.ID, "name="+saved.Name)
	s.publish(ctx, notify.TopicCatalog)
	return *saved, nil
}

// DeleteCategory removes the category document only. Products keep their
// category name; orphaned names simply render without an icon.
func (s *Service) DeleteCategory(ctx context.Context, id string) error {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return fmt.Errorf("admin role required")
	}
	if strings.TrimSpace(id) == "" {
		return store.ErrValidation
	}

	if err := s.repo.DeleteCategory(ctx, id); err != nil {
		return err
	}

	s.logAudit(ctx, "category_delete", id, "")
	s.publish(ctx, notify.TopicCatalog)
	return nil
}

func (s *Service) QueryOrders(ctx context.Context, q store.OrderQuery) ([]domain.Order, error) {
	return s.repo.QueryOrders(ctx, q)
}

func (s *Service) GetOrder(ctx context.Context, key string) (*domain.Order, error) {
	return s.repo.GetOrder(ctx, key)
}

func (s *Service) CurrentSequence(ctx context.Context) (int64, error) {
	return s.repo.CurrentSequence(ctx)
}

// SaveOrder handles admin ledger edits and manual entries. Totals are always
// recomputed from the submitted line items; manual entries get a MANUAL
// receipt id and a random storage key and never consume the receipt sequence.
func (s *Service) SaveOrder(ctx context.Context, req domain.OrderSaveRequest) (domain.Order, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.Order{}, fmt.Errorf("admin role required")
	}

	if len(req.Items) == 0 {
		return domain.Order{}, store.ErrValidation
	}
	for _, line := range req.Items {
		if line.Qty <= 0 || line.PriceCents < 0 || strings.TrimSpace(line.Name) == "" {
			return domain.Order{}, store.ErrValidation
		}
	}

	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = domain.PaymentCard
	}
	if !domain.IsValidPaymentMethod(method) {
		return domain.Order{}, store.ErrValidation
	}
	status := strings.ToUpper(strings.TrimSpace(req.Status))
	if status == "" {
		status = domain.OrderStatusCompleted
	}
	if !domain.IsValidOrderStatus(status) {
		return domain.Order{}, store.ErrValidation
	}

	now := time.Now().UTC()
	ts := now
	if strings.TrimSpace(req.TS) != "" {
		parsed, err := time.Parse(time.RFC3339, req.TS)
		if err != nil {
			return domain.Order{}, fmt.Errorf("%w: bad timestamp %q", store.ErrValidation, req.TS)
		}
		ts = parsed.UTC()
	}

	var order domain.Order
	key := strings.TrimSpace(req.Key)
	if key == "" {
		// Manual entry. Stock is deliberately untouched and no sequence is
		// consumed.
		receiptID := strings.TrimSpace(req.ReceiptID)
		if receiptID == "" {
			receiptID = identity.ManualReceiptID(now)
		}
		order = domain.Order{
			Key:            uuid.NewString(),
			ReceiptID:      receiptID,
			TaxRatePercent: s.taxRatePercent,
			CreatedAt:      now,
		}
	} else {
		existing, err := s.repo.GetOrder(ctx, key)
		if err != nil {
			return domain.Order{}, err
		}
		order = *existing
	}

	rate := order.TaxRatePercent
	if req.TaxRate != nil {
		rate = *req.TaxRate
	}
	if rate < 0 || rate > 100 {
		return domain.Order{}, store.ErrValidation
	}

	var subtotal int64
	for _, line := range req.Items {
		subtotal += line.LineTotalCents()
	}
	tax := int64(math.Round(float64(subtotal) * rate / 100))

	order.TS = ts
	order.TSISO = ts.Format(time.RFC3339)
	if order.TimeLabel == "" {
		order.TimeLabel = ts.Format("3:04 PM")
	}
	order.Items = req.Items
	order.Method = method
	order.Status = status
	order.Cashier = defaultString(strings.TrimSpace(req.Cashier), order.Cashier)
	order.Terminal = defaultString(strings.TrimSpace(req.Terminal), order.Terminal)
	order.SubtotalCents = subtotal
	order.TaxCents = tax
	order.AmountCents = subtotal + tax
	order.TaxRatePercent = rate

	saved, err := s.repo.SaveOrder(ctx, order)
	if err != nil {
		return domain.Order{}, err
	}

	s.logAudit(ctx, "order_save", saved.Key, fmt.Sprintf("receipt=%s,status=%s,amount=%d", saved.ReceiptID, saved.Status, saved.AmountCents))
	s.publish(ctx, notify.TopicOrders)
	return *saved, nil
}

// DeleteOrder removes a ledger record. Stock is never restored; a refund
// that should return stock is handled as an explicit restock.
func (s *Service) DeleteOrder(ctx context.Context, key string) error {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return fmt.Errorf("admin role required")
	}
	if strings.TrimSpace(key) == "" {
		return store.ErrValidation
	}

	if err := s.repo.DeleteOrder(ctx, key); err != nil {
		return err
	}

	s.logAudit(ctx, "order_delete", key, "")
	s.publish(ctx, notify.TopicOrders)
	return nil
}

func (s *Service) warnDuplicateBarcode(ctx context.Context, barcode string, excludeID string) {
	products, err := s.repo.ListProducts(ctx)
	if err != nil {
		log.Printf("[service] WARN: barcode uniqueness check skipped: %v", err)
		return
	}
	for _, p := range products {
		if p.Barcode == barcode && p.ID != excludeID {
			log.Printf("[service] WARN: barcode %s already used by product %s", barcode, p.ID)
			return
		}
	}
}

func (s *Service) publish(ctx context.Context, topic string) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, topic); err != nil {
		log.Printf("[service] WARN: publish %s: %v", topic, err)
	}
}

func (s *Service) logAudit(ctx context.Context, action string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}
	log.Printf("[audit] actor=%s action=%s entity=%s %s", actor.Username, action, entityID, detail)
}

func defaultString(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

// IsNotFound lets HTTP handlers map service errors without importing store.
func IsNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
