package memory

import (
	"context"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"madira/pos/internal/domain"
	"madira/pos/internal/identity"
	"madira/pos/internal/store"
)

// seedSequence matches the postgres store: the first receipt issued by a
// fresh store is seedSequence+1.
const seedSequence = 1020

// Store is an in-memory Repository used for local development and tests.
// All methods copy on read and write so callers never share map-backed
// slices with the store.
type Store struct {
	mu         sync.Mutex
	products   map[string]domain.Product
	categories map[string]domain.Category
	orders     map[string]domain.Order
	users      map[string]domain.UserAccount
	sequence   int64
}

func New() *Store {
	return &Store{
		products:   make(map[string]domain.Product),
		categories: make(map[string]domain.Category),
		orders:     make(map[string]domain.Order),
		users:      make(map[string]domain.UserAccount),
		sequence:   seedSequence,
	}
}

// NewSeeded returns a store pre-loaded with a small beer-shop catalog and the
// default admin/cashier accounts so the API is usable out of the box.
func NewSeeded() *Store {
	s := New()
	s.seedCatalog()
	s.seedUsers()
	return s
}

func (s *Store) seedCatalog() {
	now := time.Now().UTC()

	categories := []domain.Category{
		{Name: "Beer", Icon: "🍺"},
		{Name: "Wine", Icon: "🍷"},
		{Name: "Spirits", Icon: "🥃"},
		{Name: "Snacks", Icon: "🥨"},
	}
	for _, c := range categories {
		c.ID = identity.CategoryID(c.Name)
		c.UpdatedAt = now
		s.categories[c.ID] = c
	}

	products := []domain.Product{
		{Name: "Kingfisher Premium", Category: "Beer", Sub: "Lager", Size: "650ml", PriceCents: 18000, Stock: 48, Barcode: "8901030580147"},
		{Name: "Bira 91 White", Category: "Beer", Sub: "Wheat", Size: "330ml", PriceCents: 12000, Stock: 36, Barcode: "8906061920018"},
		{Name: "Hoegaarden", Category: "Beer", Sub: "Wheat", Size: "330ml", PriceCents: 22000, Stock: 24, Barcode: "5410228142607"},
		{Name: "Sula Rasa Shiraz", Category: "Wine", Sub: "Red", Size: "750ml", PriceCents: 145000, Stock: 12, Barcode: "8901733004519"},
		{Name: "Jacob's Creek Chardonnay", Category: "Wine", Sub: "White", Size: "750ml", PriceCents: 120000, Stock: 10, Barcode: "9300727013825"},
		{Name: "Old Monk Rum", Category: "Spirits", Sub: "Rum", Size: "750ml", PriceCents: 65000, Stock: 20, Barcode: "8901411000126"},
		{Name: "Amrut Fusion", Category: "Spirits", Sub: "Whisky", Size: "750ml", PriceCents: 480000, Stock: 6, Barcode: "8901193003842"},
		{Name: "Salted Peanuts", Category: "Snacks", Size: "200g", PriceCents: 9900, Stock: 60, Barcode: "8901063092730"},
	}
	seedTaxRate := 18.0
	for _, p := range products {
		p.ID = identity.ProductID(p.Name, p.Barcode)
		p.LowStock = 10
		p.TaxRatePercent = &seedTaxRate
		p.CreatedAt = now
		p.UpdatedAt = now
		s.products[p.ID] = p
	}
}

func (s *Store) seedUsers() {
	adminPassword := os.Getenv("SEED_ADMIN_PASSWORD")
	if adminPassword == "" {
		adminPassword = "admin123"
	}
	cashierPassword := os.Getenv("SEED_CASHIER_PASSWORD")
	if cashierPassword == "" {
		cashierPassword = "cashier123"
	}

	now := time.Now().UTC()
	seeds := []struct {
		username, password, role, cashierName, terminal string
	}{
		{"admin", adminPassword, "admin", "Admin", "BACK-OFFICE"},
		{"cashier", cashierPassword, "cashier", "Counter 1", "POS-1"},
	}
	for _, u := range seeds {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Printf("[memory] WARN: seed user %s skipped: %v", u.username, err)
			continue
		}
		s.users[u.username] = domain.UserAccount{
			Username:    u.username,
			Password:    string(hash),
			Role:        u.role,
			CashierName: u.cashierName,
			Terminal:    u.terminal,
			Active:      true,
			CreatedAt:   now,
		}
	}
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		products = append(products, p)
	}
	sort.Slice(products, func(i, j int) bool {
		if products[i].Category != products[j].Category {
			return products[i].Category < products[j].Category
		}
		return products[i].Name < products[j].Name
	})
	return products, nil
}

func (s *Store) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := p
	return &copied, nil
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

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if existing, ok := s.products[product.ID]; ok {
		product.CreatedAt = existing.CreatedAt
	} else if product.CreatedAt.IsZero() {
		product.CreatedAt = now
	}
	product.UpdatedAt = now
	s.products[product.ID] = product

	copied := product
	return &copied, nil
}

func (s *Store) DeleteProduct(ctx context.Context, id string) error {
	if id == "" {
		return store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.products[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.products, id)
	return nil
}

func (s *Store) ListCategories(ctx context.Context) ([]domain.Category, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	categories := make([]domain.Category, 0, len(s.categories))
	for _, c := range s.categories {
		categories = append(categories, c)
	}
	sort.Slice(categories, func(i, j int) bool { return categories[i].Name < categories[j].Name })
	return categories, nil
}

func (s *Store) UpsertCategory(ctx context.Context, category domain.Category) (*domain.Category, error) {
	if category.ID == "" || category.Name == "" {
		return nil, store.ErrValidation
	}
	if category.Icon == "" {
		category.Icon = "•"
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	category.UpdatedAt = time.Now().UTC()
	s.categories[category.ID] = category

	copied := category
	return &copied, nil
}

func (s *Store) DeleteCategory(ctx context.Context, id string) error {
	if id == "" {
		return store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.categories[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.categories, id)
	return nil
}

func (s *Store) QueryOrders(ctx context.Context, q store.OrderQuery) ([]domain.Order, error) {
	limit := q.Limit
	if limit < 1 {
		limit = store.DefaultOrderQueryLimit
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	orders := make([]domain.Order, 0, len(s.orders))
	for _, o := range s.orders {
		if q.From != nil && o.TS.Before(*q.From) {
			continue
		}
		if q.To != nil && o.TS.After(*q.To) {
			continue
		}
		orders = append(orders, cloneOrder(o))
	}

	ranged := q.From != nil || q.To != nil
	sort.Slice(orders, func(i, j int) bool {
		if ranged {
			return orders[i].TS.Before(orders[j].TS)
		}
		return orders[i].TS.After(orders[j].TS)
	})
	if len(orders) > limit {
		orders = orders[:limit]
	}
	return orders, nil
}

func (s *Store) GetOrder(ctx context.Context, key string) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := cloneOrder(o)
	return &copied, nil
}

func (s *Store) SaveOrder(ctx context.Context, order domain.Order) (*domain.Order, error) {
	if order.Key == "" || order.ReceiptID == "" {
		return nil, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if order.TS.IsZero() {
		order.TS = now
	}
	if existing, ok := s.orders[order.Key]; ok {
		order.CreatedAt = existing.CreatedAt
	} else if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now
	order.TSISO = order.TS.UTC().Format(time.RFC3339)
	s.orders[order.Key] = cloneOrder(order)

	copied := cloneOrder(order)
	return &copied, nil
}

func (s *Store) DeleteOrder(ctx context.Context, key string) error {
	if key == "" {
		return store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[key]; !ok {
		return store.ErrNotFound
	}
	delete(s.orders, key)
	return nil
}

func (s *Store) CurrentSequence(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sequence, nil
}

func (s *Store) ExecuteCheckout(ctx context.Context, lines []domain.CartLine, build store.CheckoutBuild) (*domain.Order, error) {
	if len(lines) == 0 {
		return nil, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	products := make(map[string]domain.Product, len(lines))
	for _, line := range lines {
		if p, ok := s.products[line.ProductID]; ok {
			products[p.ID] = p
		}
	}

	order, err := build(s.sequence+1, products)
	if err != nil {
		return nil, err
	}

	// Write phase. The lock is held for the whole call, so either every
	// mutation below lands or none does. Quantities are summed per product
	// first so a cart that repeats a product cannot pass line-by-line checks
	// and drive stock negative.
	taken := make(map[string]int, len(lines))
	for _, line := range lines {
		p, ok := s.products[line.ProductID]
		if !ok || p.Stock < taken[line.ProductID]+line.Qty {
			return nil, &store.InsufficientStockError{
				ProductID: line.ProductID,
				Name:      p.Name,
				Requested: taken[line.ProductID] + line.Qty,
				Available: p.Stock,
			}
		}
		taken[line.ProductID] += line.Qty
	}
	now := time.Now().UTC()
	for id, qty := range taken {
		p := s.products[id]
		p.Stock -= qty
		p.UpdatedAt = now
		s.products[id] = p
	}

	s.sequence++
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now
	s.orders[order.Key] = cloneOrder(order)

	copied := cloneOrder(order)
	return &copied, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	if user.Username == "" || user.Password == "" {
		return store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[user.Username]; ok {
		return store.ErrValidation
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	s.users[user.Username] = user
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	users := make([]domain.UserAccount, 0, len(s.users))
	for _, u := range s.users {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	if username == "" || password == "" {
		return store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[username]
	if !ok {
		return store.ErrNotFound
	}
	u.Password = password
	s.users[username] = u
	return nil
}

func cloneOrder(o domain.Order) domain.Order {
	copied := o
	copied.Items = append([]domain.OrderLine(nil), o.Items...)
	return copied
}
