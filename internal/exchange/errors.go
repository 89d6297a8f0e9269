package exchange

import (
	"errors"
	"fmt"
	"strings"
)

// ExchangeError is a typed failure from an exchange API. Code carries the
// exchange's native error code as a string since formats vary per venue.
type ExchangeError struct {
	Exchange  string
	Code      string
	Message   string
	Retriable bool
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("%s api error %s: %s", e.Exchange, e.Code, e.Message)
}

// InvalidQuantityError is returned when a rounded quantity falls below the
// symbol's minimum quantity or minimum notional.
type InvalidQuantityError struct {
	Symbol string
	Qty    float64
	Reason string
}

func (e *InvalidQuantityError) Error() string {
	return fmt.Sprintf("invalid quantity %.8f for %s: %s", e.Qty, e.Symbol, e.Reason)
}

// IsInvalidQuantity reports whether err is an InvalidQuantityError.
func IsInvalidQuantity(err error) bool {
	var iq *InvalidQuantityError
	return errors.As(err, &iq)
}

// IsRetriable reports whether err should be retried after backoff.
func IsRetriable(err error) bool {
	var ee *ExchangeError
	if errors.As(err, &ee) {
		return ee.Retriable
	}
	return false
}

// timestampRejectionCodes are the per-exchange "request timestamp outside
// recvWindow" codes. Signed calls resync the server-time offset and retry
// once when they see one.
var timestampRejectionCodes = map[string][]string{
	"binance": {"-1021"},
	"bybit":   {"10002"},
	"okx":     {"50102"},
	"bitget":  {"40009"},
	"huobi":   {"1004"},
	"kraken":  {"nonceBelowExpected", "nonceDuplicate"},
}

// IsTimestampRejection reports whether err is the venue's clock-skew error.
func IsTimestampRejection(exchange string, err error) bool {
	var ee *ExchangeError
	if !errors.As(err, &ee) {
		return false
	}
	for _, code := range timestampRejectionCodes[exchange] {
		if ee.Code == code || strings.Contains(ee.Message, code) {
			return true
		}
	}
	return false
}
