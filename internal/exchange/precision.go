package exchange

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// precisionCache memoizes symbol trading rules for the lifetime of an
// adapter. Exchange metadata changes rarely; a long TTL avoids hammering
// exchangeInfo endpoints on every order.
type precisionCache struct {
	mu      sync.RWMutex
	entries map[string]cachedPrecision
	ttl     time.Duration
}

type cachedPrecision struct {
	prec      *SymbolPrecision
	fetchedAt time.Time
}

func newPrecisionCache() *precisionCache {
	return &precisionCache{
		entries: make(map[string]cachedPrecision),
		ttl:     1 * time.Hour,
	}
}

func (c *precisionCache) get(symbol string) (*SymbolPrecision, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[symbol]
	if !ok || time.Since(entry.fetchedAt) > c.ttl {
		return nil, false
	}
	return entry.prec, true
}

func (c *precisionCache) put(symbol string, prec *SymbolPrecision) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[symbol] = cachedPrecision{prec: prec, fetchedAt: time.Now()}
}

// RoundToStep floors qty to a multiple of step and formats it without float
// artifacts. A zero step returns qty formatted as-is.
func RoundToStep(qty, step float64) string {
	q := decimal.NewFromFloat(qty)
	if step <= 0 {
		return q.String()
	}
	s := decimal.NewFromFloat(step)
	steps := q.Div(s).Floor()
	return steps.Mul(s).String()
}

// ToContracts converts a base-asset quantity to exchange contract units:
// floor(qty / contractValue, step). Used by OKX and Huobi.
func ToContracts(qtyCrypto, contractValue, step float64) string {
	if contractValue <= 0 {
		return RoundToStep(qtyCrypto, step)
	}
	contracts := decimal.NewFromFloat(qtyCrypto).Div(decimal.NewFromFloat(contractValue))
	f, _ := contracts.Float64()
	return RoundToStep(f, step)
}

// roundAndValidate floors qty to the symbol's step size and rejects results
// below min_qty or below min_notional at the given reference price.
func roundAndValidate(qty, price float64, prec *SymbolPrecision) (string, error) {
	rounded := RoundToStep(qty, prec.StepSize)
	val, _ := decimal.NewFromString(rounded)
	f, _ := val.Float64()

	if f < prec.MinQty {
		return "", &InvalidQuantityError{
			Symbol: prec.Symbol,
			Qty:    qty,
			Reason: "rounded quantity below minimum quantity",
		}
	}
	if prec.MinNotional > 0 && price > 0 && f*price < prec.MinNotional {
		return "", &InvalidQuantityError{
			Symbol: prec.Symbol,
			Qty:    qty,
			Reason: "notional below minimum notional",
		}
	}
	return rounded, nil
}
