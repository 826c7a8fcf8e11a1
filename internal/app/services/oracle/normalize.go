package oracle

import (
	"fmt"
	"math/big"

	"github.com/holiman/uint256"

	domain "github.com/stakefolio/oracle-engine/internal/app/domain/oracle"
)

var bigTen = big.NewInt(10)

// Normalize converts a raw source value at the given decimal scale into
// the canonical 18-decimal fixed-point representation. Scaling is exact
// integer arithmetic; intermediate products use big.Int because source
// scales up to 77 decimals exceed 256 bits.
func Normalize(raw *big.Int, decimals uint8) (*uint256.Int, error) {
	if raw == nil || raw.Sign() <= 0 {
		return nil, &NormalizationError{Reason: "raw value must be positive"}
	}
	if decimals > domain.MaxSourceDecimals {
		return nil, &NormalizationError{Reason: fmt.Sprintf("source decimals %d exceed maximum %d", decimals, domain.MaxSourceDecimals)}
	}

	scaled := new(big.Int)
	switch {
	case decimals == domain.PriceDecimals:
		scaled.Set(raw)
	case decimals < domain.PriceDecimals:
		exp := new(big.Int).Exp(bigTen, big.NewInt(int64(domain.PriceDecimals-decimals)), nil)
		scaled.Mul(raw, exp)
	default:
		exp := new(big.Int).Exp(bigTen, big.NewInt(int64(decimals-domain.PriceDecimals)), nil)
		scaled.Quo(raw, exp)
	}

	if scaled.Sign() <= 0 {
		return nil, &NormalizationError{Reason: "value rounds to zero at canonical scale"}
	}
	price, overflow := uint256.FromBig(scaled)
	if overflow {
		return nil, &NormalizationError{Reason: "scaled value exceeds 256 bits"}
	}
	return price, nil
}

// Rescale re-expresses a canonical price at the given decimal scale.
// Exact for any target scale at or below 18 decimals when the price was
// produced from that scale; used by round-trip verification.
func Rescale(price *uint256.Int, decimals uint8) (*big.Int, error) {
	if price == nil {
		return nil, &NormalizationError{Reason: "price is nil"}
	}
	if decimals > domain.MaxSourceDecimals {
		return nil, &NormalizationError{Reason: fmt.Sprintf("decimals %d exceed maximum %d", decimals, domain.MaxSourceDecimals)}
	}
	value := price.ToBig()
	switch {
	case decimals == domain.PriceDecimals:
		return value, nil
	case decimals < domain.PriceDecimals:
		exp := new(big.Int).Exp(bigTen, big.NewInt(int64(domain.PriceDecimals-decimals)), nil)
		return value.Quo(value, exp), nil
	default:
		exp := new(big.Int).Exp(bigTen, big.NewInt(int64(decimals-domain.PriceDecimals)), nil)
		return value.Mul(value, exp), nil
	}
}
