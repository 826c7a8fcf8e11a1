package oracle

import (
	"math/big"
	"testing"

	"github.com/holiman/uint256"
)

func TestNormalizeRoundTrip(t *testing.T) {
	raw := big.NewInt(123456789)
	for decimals := uint8(0); decimals <= 18; decimals++ {
		price, err := Normalize(raw, decimals)
		if err != nil {
			t.Fatalf("normalize decimals=%d: %v", decimals, err)
		}
		back, err := Rescale(price, decimals)
		if err != nil {
			t.Fatalf("rescale decimals=%d: %v", decimals, err)
		}
		if back.Cmp(raw) != 0 {
			t.Fatalf("round trip decimals=%d: got %s want %s", decimals, back, raw)
		}
	}
}

func TestNormalizeCanonicalScale(t *testing.T) {
	// $0.70 expressed with 8 source decimals.
	price, err := Normalize(big.NewInt(70_000_000), 8)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	want := uint256.NewInt(700_000_000_000_000_000)
	if !price.Eq(want) {
		t.Fatalf("got %s want %s", price.Dec(), want.Dec())
	}
}

func TestNormalizeHighDecimalsTruncates(t *testing.T) {
	// 1.5 at 20 decimals scales down by 10^2.
	raw, _ := new(big.Int).SetString("150000000000000000000", 10)
	price, err := Normalize(raw, 20)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	want := uint256.NewInt(1_500_000_000_000_000_000)
	if !price.Eq(want) {
		t.Fatalf("got %s want %s", price.Dec(), want.Dec())
	}
}

func TestNormalizeRejections(t *testing.T) {
	if _, err := Normalize(nil, 8); err == nil {
		t.Fatalf("expected error for nil raw value")
	}
	if _, err := Normalize(big.NewInt(0), 8); err == nil {
		t.Fatalf("expected error for zero raw value")
	}
	if _, err := Normalize(big.NewInt(-5), 8); err == nil {
		t.Fatalf("expected error for negative raw value")
	}
	if _, err := Normalize(big.NewInt(1), 78); err == nil {
		t.Fatalf("expected error for oversized decimals")
	}

	// A huge raw value at low decimals overflows 256 bits once scaled.
	huge := new(big.Int).Lsh(big.NewInt(1), 250)
	if _, err := Normalize(huge, 0); err == nil {
		t.Fatalf("expected overflow error")
	}
}

func TestNormalizeZeroAfterTruncation(t *testing.T) {
	// 10^-77 scale: value smaller than the canonical resolution.
	if _, err := Normalize(big.NewInt(1), 77); err == nil {
		t.Fatalf("expected error when value rounds to zero")
	}
}
