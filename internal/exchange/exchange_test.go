package exchange

import (
	"context"
	"testing"
	"time"
)

func TestNormalizeSymbolIdempotent(t *testing.T) {
	tests := []struct {
		name    string
		adapter interface{ NormalizeSymbol(string) string }
		input   string
		want    string
	}{
		{"binance slash", NewBinanceAdapter("", "", false), "BTC/USDT", "BTCUSDT"},
		{"binance lower", NewBinanceAdapter("", "", false), "btcusdt", "BTCUSDT"},
		{"bybit slash", NewBybitAdapter("", "", false), "ETH/USDT", "ETHUSDT"},
		{"okx slash", NewOKXAdapter("", "", "", false), "BTC/USDT", "BTC-USDT-SWAP"},
		{"okx compact", NewOKXAdapter("", "", "", false), "BTCUSDT", "BTC-USDT-SWAP"},
		{"bitget compact", NewBitgetAdapter("", "", "", false), "btc/usdt", "BTCUSDT"},
		{"huobi compact", NewHuobiAdapter("", "", false), "BTCUSDT", "BTC-USDT"},
		{"huobi slash", NewHuobiAdapter("", "", false), "ETH/USDT", "ETH-USDT"},
		{"kraken btc", NewKrakenAdapter("", "", false), "BTC/USDT", "PF_XBTUSD"},
		{"kraken eth", NewKrakenAdapter("", "", false), "ETHUSDT", "PF_ETHUSD"},
		{"kraken spot btc", NewKrakenSpotAdapter("", ""), "BTC/USDT", "XBTUSDT"},
		{"kraken spot eth", NewKrakenSpotAdapter("", ""), "ethusdt", "ETHUSDT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.adapter.NormalizeSymbol(tt.input)
			if got != tt.want {
				t.Fatalf("NormalizeSymbol(%q) = %q, want %q", tt.input, got, tt.want)
			}
			// Normalization must be a fixed point.
			if again := tt.adapter.NormalizeSymbol(got); again != got {
				t.Errorf("not idempotent: NormalizeSymbol(%q) = %q", got, again)
			}
		})
	}
}

func TestRoundToStep(t *testing.T) {
	tests := []struct {
		qty  float64
		step float64
		want string
	}{
		{0.123456, 0.001, "0.123"},
		{0.1 + 0.08, 0.001, "0.18"}, // no float artifacts
		{421.7, 1, "421"},
		{0.0009, 0.001, "0"},
		{5, 0, "5"},
	}
	for _, tt := range tests {
		if got := RoundToStep(tt.qty, tt.step); got != tt.want {
			t.Errorf("RoundToStep(%v, %v) = %q, want %q", tt.qty, tt.step, got, tt.want)
		}
	}
}

func TestToContracts(t *testing.T) {
	// 4.21 BTC at 0.01 BTC per contract is exactly 421 contracts.
	if got := ToContracts(4.21, 0.01, 1); got != "421" {
		t.Errorf("ToContracts(4.21, 0.01, 1) = %q, want 421", got)
	}
	// Partial contracts floor away.
	if got := ToContracts(4.219, 0.01, 1); got != "421" {
		t.Errorf("ToContracts(4.219, 0.01, 1) = %q, want 421", got)
	}
	// Zero contract value degrades to plain step rounding.
	if got := ToContracts(0.5, 0, 0.001); got != "0.5" {
		t.Errorf("ToContracts(0.5, 0, 0.001) = %q, want 0.5", got)
	}
}

func TestRoundAndValidate(t *testing.T) {
	prec := &SymbolPrecision{
		Symbol:      "BTCUSDT",
		StepSize:    0.001,
		MinQty:      0.001,
		MinNotional: 100,
	}

	if _, err := roundAndValidate(0.0005, 50000, prec); !IsInvalidQuantity(err) {
		t.Errorf("expected InvalidQuantityError below min qty, got %v", err)
	}
	// 0.001 * 50000 = 50 < 100 min notional
	if _, err := roundAndValidate(0.001, 50000, prec); !IsInvalidQuantity(err) {
		t.Errorf("expected InvalidQuantityError below min notional, got %v", err)
	}
	got, err := roundAndValidate(0.0123, 50000, prec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "0.012" {
		t.Errorf("got %q, want 0.012", got)
	}
}

func TestBinanceSignatureDeterministic(t *testing.T) {
	// Vector from the Binance API documentation.
	a := NewBinanceAdapter("key", "NhqPtmdSJYdKjVHjA7PZj4Mge3R5YNiP1e3UZjInClVN65XAbvqqM6A7H5fATj0j", false)
	query := "symbol=LTCBTC&side=BUY&type=LIMIT&timeInForce=GTC&quantity=1&price=0.1&recvWindow=5000&timestamp=1499827319559"
	want := "c8db56825ae71d6d79447849e617115f4a920fa2acdcab2b053c4b2838bd6b71"
	if got := a.sign(query); got != want {
		t.Errorf("sign() = %s, want %s", got, want)
	}
	// Repeat calls must agree byte for byte.
	if a.sign(query) != a.sign(query) {
		t.Error("signature not deterministic")
	}
}

func TestBinanceQueryStringSorted(t *testing.T) {
	a := NewBinanceAdapter("", "", false)
	got := a.buildQueryString(map[string]string{
		"symbol":    "BTCUSDT",
		"side":      "BUY",
		"type":      "MARKET",
		"quantity":  "0.01",
	})
	want := "quantity=0.01&side=BUY&symbol=BTCUSDT&type=MARKET"
	if got != want {
		t.Errorf("buildQueryString = %q, want %q", got, want)
	}
}

func TestKrakenAuthent(t *testing.T) {
	// base64("0123456789abcdef0123456789abcdef") as a syntactically valid secret
	a := NewKrakenAdapter("key", "MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY=", false)

	sig1, err := a.authent("symbol=PF_XBTUSD", "1700000000000", "/api/v3/sendorder")
	if err != nil {
		t.Fatalf("authent: %v", err)
	}
	sig2, err := a.authent("symbol=PF_XBTUSD", "1700000000000", "/api/v3/sendorder")
	if err != nil {
		t.Fatalf("authent: %v", err)
	}
	if sig1 != sig2 {
		t.Error("authent not deterministic")
	}

	sig3, _ := a.authent("symbol=PF_XBTUSD", "1700000000001", "/api/v3/sendorder")
	if sig3 == sig1 {
		t.Error("authent must change with nonce")
	}

	bad := NewKrakenAdapter("key", "not-base64!!!", false)
	if _, err := bad.authent("", "1", "/x"); err == nil {
		t.Error("expected error for invalid base64 secret")
	}
}

func TestOKXPosSide(t *testing.T) {
	tests := []struct {
		side       string
		reduceOnly bool
		want       string
	}{
		{SideBuy, false, "long"},   // opening a long
		{SideSell, false, "short"}, // opening a short
		{SideSell, true, "long"},   // closing a long
		{SideBuy, true, "short"},   // closing a short
	}
	for _, tt := range tests {
		if got := okxPosSide(tt.side, tt.reduceOnly); got != tt.want {
			t.Errorf("okxPosSide(%s, %v) = %s, want %s", tt.side, tt.reduceOnly, got, tt.want)
		}
	}
}

func TestOKXApplyPosSideByMode(t *testing.T) {
	// Long/short mode carries a posSide on every order.
	params := map[string]string{"instId": "BTC-USDT-SWAP"}
	okxApplyPosSide(params, okxLongShortMode, SideBuy, false)
	if params["posSide"] != "long" {
		t.Errorf("posSide = %q, want long in long/short mode", params["posSide"])
	}
	params = map[string]string{"instId": "BTC-USDT-SWAP"}
	okxApplyPosSide(params, okxLongShortMode, SideSell, true)
	if params["posSide"] != "long" {
		t.Errorf("posSide = %q, want long for a reducing sell", params["posSide"])
	}

	// Net mode must not carry posSide: OKX rejects it with 51000.
	params = map[string]string{"instId": "BTC-USDT-SWAP"}
	okxApplyPosSide(params, okxNetMode, SideBuy, false)
	if _, ok := params["posSide"]; ok {
		t.Error("posSide must be omitted in net position mode")
	}
}

func TestLastClosedCandleEnd(t *testing.T) {
	now := time.Date(2025, 6, 1, 14, 37, 22, 0, time.UTC)

	end, err := LastClosedCandleEnd(now, "1h")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := time.Date(2025, 6, 1, 13, 0, 0, 0, time.UTC).UnixMilli()
	if end != want {
		t.Errorf("1h end = %d, want %d", end, want)
	}

	end, _ = LastClosedCandleEnd(now, "5m")
	want = time.Date(2025, 6, 1, 14, 30, 0, 0, time.UTC).UnixMilli()
	if end != want {
		t.Errorf("5m end = %d, want %d", end, want)
	}

	if _, err := LastClosedCandleEnd(now, "7m"); err == nil {
		t.Error("expected error for unknown interval")
	}
}

func TestSpotFactory(t *testing.T) {
	for _, name := range []string{"binance", "bybit", "kraken", "mock"} {
		adapter, err := NewSpotAdapter(name, "MAINNET", Credentials{})
		if err != nil {
			t.Errorf("NewSpotAdapter(%s): %v", name, err)
			continue
		}
		if name != "mock" && adapter.Name() != name {
			t.Errorf("Name() = %s, want %s", adapter.Name(), name)
		}
	}

	// Kraken offers no spot test environment.
	if _, err := NewSpotAdapter("kraken", "TESTNET", Credentials{}); err == nil {
		t.Error("expected error for kraken spot on testnet")
	}
	// Futures-only venues have no spot adapter.
	if _, err := NewSpotAdapter("okx", "MAINNET", Credentials{}); err == nil {
		t.Error("expected error for okx spot")
	}
}

func TestKrakenSpotSignDeterministic(t *testing.T) {
	a := NewKrakenSpotAdapter("key", "MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY=")

	sig1, err := a.sign("/0/private/AddOrder", "1700000000000", "nonce=1700000000000&pair=XBTUSDT")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	sig2, _ := a.sign("/0/private/AddOrder", "1700000000000", "nonce=1700000000000&pair=XBTUSDT")
	if sig1 != sig2 {
		t.Error("sign not deterministic")
	}
	sig3, _ := a.sign("/0/private/Balance", "1700000000000", "nonce=1700000000000&pair=XBTUSDT")
	if sig3 == sig1 {
		t.Error("sign must change with the uri path")
	}

	bad := NewKrakenSpotAdapter("key", "not-base64!!!")
	if _, err := bad.sign("/x", "1", ""); err == nil {
		t.Error("expected error for invalid base64 secret")
	}
}

func TestKrakenSetLeverageNoOp(t *testing.T) {
	a := NewKrakenAdapter("", "", false)
	if err := a.SetLeverage(context.Background(), "PF_XBTUSD", 10); err != nil {
		t.Errorf("SetLeverage should be a no-op, got %v", err)
	}
}
