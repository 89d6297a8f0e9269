package exchange

import (
	"fmt"
	"strings"
)

// Credentials holds decrypted API credentials for adapter construction.
// Passphrase is required by OKX and Bitget only.
type Credentials struct {
	APIKey     string
	SecretKey  string
	Passphrase string
}

// NewFuturesAdapter constructs the futures adapter for an exchange.
// network is "MAINNET" or "TESTNET". Empty credentials yield an adapter
// usable for public market data only.
func NewFuturesAdapter(exchange, network string, creds Credentials) (FuturesAdapter, error) {
	testnet := strings.EqualFold(network, "TESTNET")
	switch strings.ToLower(exchange) {
	case "binance":
		return NewBinanceAdapter(creds.APIKey, creds.SecretKey, testnet), nil
	case "bybit":
		return NewBybitAdapter(creds.APIKey, creds.SecretKey, testnet), nil
	case "okx":
		return NewOKXAdapter(creds.APIKey, creds.SecretKey, creds.Passphrase, testnet), nil
	case "bitget":
		return NewBitgetAdapter(creds.APIKey, creds.SecretKey, creds.Passphrase, testnet), nil
	case "huobi", "htx":
		return NewHuobiAdapter(creds.APIKey, creds.SecretKey, testnet), nil
	case "kraken":
		return NewKrakenAdapter(creds.APIKey, creds.SecretKey, testnet), nil
	case "mock":
		return NewMockAdapter(), nil
	}
	return nil, fmt.Errorf("unsupported exchange: %s", exchange)
}

// NewSpotAdapter constructs the spot adapter for an exchange. Binance,
// Bybit and Kraken carry spot support; Kraken has no spot test environment.
func NewSpotAdapter(exchange, network string, creds Credentials) (SpotAdapter, error) {
	testnet := strings.EqualFold(network, "TESTNET")
	switch strings.ToLower(exchange) {
	case "binance":
		return NewBinanceSpotAdapter(creds.APIKey, creds.SecretKey, testnet), nil
	case "bybit":
		return NewBybitSpotAdapter(creds.APIKey, creds.SecretKey, testnet), nil
	case "kraken":
		if testnet {
			return nil, fmt.Errorf("kraken has no spot test environment")
		}
		return NewKrakenSpotAdapter(creds.APIKey, creds.SecretKey), nil
	case "mock":
		return NewMockAdapter(), nil
	}
	return nil, fmt.Errorf("spot trading not supported on exchange: %s", exchange)
}

// NewMarketDataAdapter returns a credential-less mainnet adapter for price
// crawls, so klines always reflect real prices regardless of the trading
// network.
func NewMarketDataAdapter(exchange string) (FuturesAdapter, error) {
	return NewFuturesAdapter(exchange, "MAINNET", Credentials{})
}
