package checkout

import (
	"context"
	"fmt"
	"log"
	"math"
	"strconv"
	"time"

	"madira/pos/internal/domain"
	"madira/pos/internal/identity"
	"madira/pos/internal/notify"
	"madira/pos/internal/store"
)

const (
	defaultReceiptPrefix = "POS-"
	defaultMaxAttempts   = 3
)

// Config tunes the coordinator. Zero values fall back to defaults.
type Config struct {
	// TaxRatePercent applies to products that carry no rate of their own. A
	// product with an explicit rate, including 0, keeps that rate.
	TaxRatePercent float64
	ReceiptPrefix  string
	MaxAttempts    int
}

// Coordinator turns a terminal cart into a committed order. All pricing and
// stock decisions are made against the authoritative store inside one atomic
// unit, never against mirror data.
type Coordinator struct {
	repo store.Repository
	bus  notify.Bus
	cfg  Config
}

func NewCoordinator(repo store.Repository, bus notify.Bus, cfg Config) *Coordinator {
	if cfg.ReceiptPrefix == "" {
		cfg.ReceiptPrefix = defaultReceiptPrefix
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	return &Coordinator{repo: repo, bus: bus, cfg: cfg}
}

// Checkout commits the cart as a new order, or returns with no effect. The
// whole attempt is retried on a concurrency conflict, re-reading fresh
// counter and stock state each time.
func (c *Coordinator) Checkout(ctx context.Context, cart []domain.CartLine, method string, session domain.Session) (*domain.Order, error) {
	if len(cart) == 0 {
		return nil, fmt.Errorf("%w: empty cart", store.ErrValidation)
	}
	for _, line := range cart {
		if line.ProductID == "" || line.Qty <= 0 {
			return nil, fmt.Errorf("%w: bad cart line %q qty %d", store.ErrValidation, line.ProductID, line.Qty)
		}
	}
	if method == "" {
		method = domain.PaymentCard
	}
	if !domain.IsValidPaymentMethod(method) {
		return nil, fmt.Errorf("%w: unknown payment method %q", store.ErrValidation, method)
	}
	cart = mergeCartLines(cart)

	var order *domain.Order
	var err error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		order, err = c.repo.ExecuteCheckout(ctx, cart, c.buildFunc(cart, method, session))
		if err == nil {
			break
		}
		if !store.IsRetryable(err) {
			return nil, err
		}
		log.Printf("[checkout] WARN: attempt %d/%d conflicted, retrying: %v", attempt, c.cfg.MaxAttempts, err)
	}
	if err != nil {
		return nil, err
	}

	c.publish(ctx, notify.TopicOrders)
	c.publish(ctx, notify.TopicCatalog)
	return order, nil
}

// mergeCartLines collapses repeated product ids into one line so stock checks
// see the cart's total quantity per product, not each line in isolation.
// First-occurrence order is preserved.
func mergeCartLines(cart []domain.CartLine) []domain.CartLine {
	index := make(map[string]int, len(cart))
	merged := make([]domain.CartLine, 0, len(cart))
	for _, line := range cart {
		if i, ok := index[line.ProductID]; ok {
			merged[i].Qty += line.Qty
			continue
		}
		index[line.ProductID] = len(merged)
		merged = append(merged, line)
	}
	return merged
}

// buildFunc returns the pure compute step: validate every cart line against
// the locked products, price the order and assemble the record to persist.
func (c *Coordinator) buildFunc(cart []domain.CartLine, method string, session domain.Session) store.CheckoutBuild {
	return func(seq int64, products map[string]domain.Product) (domain.Order, error) {
		var subtotal int64
		var taxCents float64
		appliedRate := c.cfg.TaxRatePercent
		uniformRate := true
		items := make([]domain.OrderLine, 0, len(cart))

		for i, line := range cart {
			p, ok := products[line.ProductID]
			if !ok {
				return domain.Order{}, &store.ProductRemovedError{ProductID: line.ProductID}
			}
			if p.Stock < line.Qty {
				return domain.Order{}, &store.InsufficientStockError{
					ProductID: p.ID,
					Name:      p.Name,
					Requested: line.Qty,
					Available: p.Stock,
				}
			}

			lineTotal := p.PriceCents * int64(line.Qty)
			subtotal += lineTotal

			// nil inherits the store default; an explicit 0 is tax-exempt.
			rate := c.cfg.TaxRatePercent
			if p.TaxRatePercent != nil {
				rate = *p.TaxRatePercent
			}
			if i == 0 {
				appliedRate = rate
			} else if rate != appliedRate {
				uniformRate = false
			}
			taxCents += float64(lineTotal) * rate / 100

			items = append(items, domain.OrderLine{
				ProductID:  p.ID,
				Name:       p.Name,
				PriceCents: p.PriceCents,
				Qty:        line.Qty,
				Category:   p.Category,
				Sub:        p.Sub,
				Size:       p.Size,
				Barcode:    p.Barcode,
			})
		}

		tax := int64(math.Round(taxCents))
		// The stamped rate feeds admin edit recomputes later, so when lines
		// were taxed at different rates record the blended effective rate
		// rather than the store default.
		orderRate := appliedRate
		if !uniformRate && subtotal > 0 {
			orderRate = float64(tax) / float64(subtotal) * 100
		}
		now := time.Now().UTC()
		receiptID := c.cfg.ReceiptPrefix + strconv.FormatInt(seq, 10)

		return domain.Order{
			Key:            identity.OrderKey(receiptID, now),
			Seq:            seq,
			ReceiptID:      receiptID,
			TS:             now,
			TSISO:          now.Format(time.RFC3339),
			TimeLabel:      now.Format("3:04 PM"),
			Items:          items,
			Method:         method,
			Status:         domain.OrderStatusCompleted,
			Cashier:        session.CashierName,
			Terminal:       session.Terminal,
			SubtotalCents:  subtotal,
			TaxCents:       tax,
			AmountCents:    subtotal + tax,
			TaxRatePercent: orderRate,
			CreatedAt:      now,
			UpdatedAt:      now,
		}, nil
	}
}

func (c *Coordinator) publish(ctx context.Context, topic string) {
	if c.bus == nil {
		return
	}
	if err := c.bus.Publish(ctx, topic); err != nil {
		log.Printf("[checkout] WARN: publish %s: %v", topic, err)
	}
}
