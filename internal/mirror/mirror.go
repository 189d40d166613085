package mirror

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"madira/pos/internal/cache"
	"madira/pos/internal/domain"
	"madira/pos/internal/notify"
	"madira/pos/internal/store"
)

const (
	defaultOrderWindowDays = 2
	defaultOrderLimit      = 1500
	defaultCacheKey        = "pos:snapshot"
)

// Config tunes the mirror. Zero values fall back to defaults.
type Config struct {
	// OrderWindowDays is the size of the live order window: 2 keeps today and
	// yesterday resident, older orders are fetched on demand.
	OrderWindowDays int
	OrderLimit      int
	CacheKey        string
	// Location decides where the day boundary falls. Defaults to time.Local.
	Location *time.Location
}

// Mirror keeps an in-process replica of the catalog and the recent order
// window. Refreshes always refetch the full result set and atomically replace
// the previous state; the mirror never patches individual records, so a missed
// signal costs freshness but never correctness.
type Mirror struct {
	repo  store.Repository
	bus   notify.Bus
	cache cache.SnapshotCache
	cfg   Config

	mu           sync.RWMutex
	products     []domain.Product
	productsByID map[string]domain.Product
	byBarcode    map[string]domain.Product
	categories   []domain.Category
	orders       []domain.Order
	lastRefresh  time.Time
	servingCache bool
}

func New(repo store.Repository, bus notify.Bus, snapCache cache.SnapshotCache, cfg Config) *Mirror {
	if cfg.OrderWindowDays < 1 {
		cfg.OrderWindowDays = defaultOrderWindowDays
	}
	if cfg.OrderLimit < 1 {
		cfg.OrderLimit = defaultOrderLimit
	}
	if cfg.CacheKey == "" {
		cfg.CacheKey = defaultCacheKey
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if snapCache == nil {
		snapCache = cache.NoopSnapshotCache{}
	}
	return &Mirror{
		repo:         repo,
		bus:          bus,
		cache:        snapCache,
		cfg:          cfg,
		productsByID: make(map[string]domain.Product),
		byBarcode:    make(map[string]domain.Product),
	}
}

// Run blocks until ctx is done, keeping the mirror fresh: an initial full
// refresh (falling back to the snapshot cache when the store is unreachable),
// then signal-driven refetches. The order subscription is torn down and
// re-established whenever the calendar day rolls over, because the live
// window itself moves.
func (m *Mirror) Run(ctx context.Context) {
	if err := m.Refresh(ctx); err != nil {
		log.Printf("[mirror] WARN: initial refresh failed: %v", err)
		m.restoreFromCache(ctx)
	}

	catalogCh, cancelCatalog, err := m.bus.Subscribe(ctx, notify.TopicCatalog)
	if err != nil {
		log.Printf("[mirror] WARN: catalog subscription failed: %v", err)
		catalogCh = nil
	} else {
		defer cancelCatalog()
	}

	ordersCh, cancelOrders, err := m.bus.Subscribe(ctx, notify.TopicOrders)
	if err != nil {
		log.Printf("[mirror] WARN: orders subscription failed: %v", err)
		ordersCh = nil
	}

	rollover := time.NewTicker(time.Minute)
	defer rollover.Stop()
	day := time.Now().In(m.cfg.Location).Day()

	for {
		select {
		case <-ctx.Done():
			if cancelOrders != nil {
				cancelOrders()
			}
			return
		case _, ok := <-catalogCh:
			if !ok {
				catalogCh = nil
				continue
			}
			if err := m.refreshCatalog(ctx); err != nil {
				log.Printf("[mirror] WARN: catalog refresh failed: %v", err)
			} else {
				m.persistSnapshot(ctx)
			}
		case _, ok := <-ordersCh:
			if !ok {
				ordersCh = nil
				continue
			}
			if err := m.refreshOrders(ctx); err != nil {
				log.Printf("[mirror] WARN: orders refresh failed: %v", err)
			} else {
				m.persistSnapshot(ctx)
			}
		case now := <-rollover.C:
			if now.In(m.cfg.Location).Day() == day {
				continue
			}
			day = now.In(m.cfg.Location).Day()
			// The window moved. Cancel the old subscription before opening
			// the replacement, then refetch against the new range.
			if cancelOrders != nil {
				cancelOrders()
			}
			ordersCh, cancelOrders, err = m.bus.Subscribe(ctx, notify.TopicOrders)
			if err != nil {
				log.Printf("[mirror] WARN: orders resubscription failed: %v", err)
				ordersCh, cancelOrders = nil, nil
			}
			if err := m.refreshOrders(ctx); err != nil {
				log.Printf("[mirror] WARN: window rollover refresh failed: %v", err)
			}
		}
	}
}

// Refresh refetches everything and replaces the mirror state.
func (m *Mirror) Refresh(ctx context.Context) error {
	if err := m.refreshCatalog(ctx); err != nil {
		return err
	}
	if err := m.refreshOrders(ctx); err != nil {
		return err
	}
	m.persistSnapshot(ctx)
	return nil
}

func (m *Mirror) refreshCatalog(ctx context.Context) error {
	products, err := m.repo.ListProducts(ctx)
	if err != nil {
		return err
	}
	categories, err := m.repo.ListCategories(ctx)
	if err != nil {
		return err
	}

	byID := make(map[string]domain.Product, len(products))
	byBarcode := make(map[string]domain.Product, len(products))
	for _, p := range products {
		byID[p.ID] = p
		if p.Barcode != "" {
			byBarcode[p.Barcode] = p
		}
	}

	m.mu.Lock()
	m.products = products
	m.productsByID = byID
	m.byBarcode = byBarcode
	m.categories = categories
	m.lastRefresh = time.Now().UTC()
	m.servingCache = false
	m.mu.Unlock()
	return nil
}

func (m *Mirror) refreshOrders(ctx context.Context) error {
	from := m.windowStart(time.Now())
	orders, err := m.repo.QueryOrders(ctx, store.OrderQuery{From: &from, Limit: m.cfg.OrderLimit})
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.orders = orders
	m.lastRefresh = time.Now().UTC()
	m.servingCache = false
	m.mu.Unlock()
	return nil
}

// windowStart is midnight at the start of the window, OrderWindowDays-1 days
// back, in the configured location.
func (m *Mirror) windowStart(now time.Time) time.Time {
	local := now.In(m.cfg.Location)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, m.cfg.Location)
	return midnight.AddDate(0, 0, -(m.cfg.OrderWindowDays - 1))
}

func (m *Mirror) restoreFromCache(ctx context.Context) {
	snap, found, err := m.cache.Get(ctx, m.cfg.CacheKey)
	if err != nil {
		log.Printf("[mirror] WARN: snapshot cache read failed: %v", err)
		return
	}
	if !found {
		log.Printf("[mirror] WARN: no cached snapshot, mirror starts empty")
		return
	}

	byID := make(map[string]domain.Product, len(snap.Products))
	byBarcode := make(map[string]domain.Product, len(snap.Products))
	for _, p := range snap.Products {
		byID[p.ID] = p
		if p.Barcode != "" {
			byBarcode[p.Barcode] = p
		}
	}

	m.mu.Lock()
	m.products = snap.Products
	m.productsByID = byID
	m.byBarcode = byBarcode
	m.categories = snap.Categories
	m.orders = snap.Orders
	m.lastRefresh = snap.SavedAt
	m.servingCache = true
	m.mu.Unlock()
	log.Printf("[mirror] serving cached snapshot from %s", snap.SavedAt.Format(time.RFC3339))
}

func (m *Mirror) persistSnapshot(ctx context.Context) {
	m.mu.RLock()
	snap := &domain.Snapshot{
		Products:   m.products,
		Categories: m.categories,
		Orders:     m.orders,
		SavedAt:    time.Now().UTC(),
	}
	m.mu.RUnlock()

	if err := m.cache.Set(ctx, m.cfg.CacheKey, snap); err != nil {
		log.Printf("[mirror] WARN: snapshot cache write failed: %v", err)
	}
}

func (m *Mirror) Products() []domain.Product {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]domain.Product(nil), m.products...)
}

func (m *Mirror) Product(id string) (domain.Product, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.productsByID[id]
	return p, ok
}

func (m *Mirror) ProductByBarcode(code string) (domain.Product, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.byBarcode[code]
	return p, ok
}

func (m *Mirror) Categories() []domain.Category {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]domain.Category(nil), m.categories...)
}

// Orders returns the live order window, newest first.
func (m *Mirror) Orders() []domain.Order {
	m.mu.RLock()
	defer m.mu.RUnlock()
	orders := append([]domain.Order(nil), m.orders...)
	sort.Slice(orders, func(i, j int) bool { return orders[i].TS.After(orders[j].TS) })
	return orders
}

// PruneCart drops cart lines whose product has disappeared from the catalog
// and returns the removed ids, mirroring what a terminal does when a catalog
// signal lands mid-sale.
func (m *Mirror) PruneCart(cart []domain.CartLine) ([]domain.CartLine, []string) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	kept := make([]domain.CartLine, 0, len(cart))
	var removed []string
	for _, line := range cart {
		if _, ok := m.productsByID[line.ProductID]; ok {
			kept = append(kept, line)
		} else {
			removed = append(removed, line.ProductID)
		}
	}
	return kept, removed
}

// ServingCached reports whether the current state came from the snapshot
// cache rather than the store.
func (m *Mirror) ServingCached() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.servingCache
}

func (m *Mirror) LastRefresh() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastRefresh
}
