// Package fees splits a trade price into royalty, platform fee and seller
// proceeds.
//
// Royalty and platform fee are each rounded half-up to the settlement
// token's 8 fractional digits. The seller amount is the exact remainder and
// is never rounded on its own, so the three parts always sum to the price.
package fees

import (
	"errors"
	"fmt"

	"github.com/mbd888/assetescrow/internal/amount"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidPrice      = errors.New("fees: invalid price")
	ErrInvalidPercentage = errors.New("fees: percentage must be between 0 and 100")
	ErrPercentageTotal   = errors.New("fees: royalty and platform fee exceed 100%")
)

var hundred = decimal.NewFromInt(100)

// Breakdown is the result of splitting a price. Royalty + PlatformFee + Seller == Price.
type Breakdown struct {
	Price       decimal.Decimal `json:"price"`
	Royalty     decimal.Decimal `json:"royalty"`
	PlatformFee decimal.Decimal `json:"platformFee"`
	Seller      decimal.Decimal `json:"seller"`
}

// SellerTransfer is the amount moved buyer -> seller in one transfer
// (seller proceeds plus royalty).
func (b Breakdown) SellerTransfer() decimal.Decimal {
	return b.Seller.Add(b.Royalty)
}

// Balanced reports whether the parts sum exactly to the price.
func (b Breakdown) Balanced() bool {
	return b.Royalty.Add(b.PlatformFee).Add(b.Seller).Equal(b.Price)
}

// Split computes the breakdown for price given a royalty and platform fee
// percentage.
func Split(price, royaltyPct, platformFeePct decimal.Decimal) (Breakdown, error) {
	if err := amount.Check(price); err != nil {
		return Breakdown{}, fmt.Errorf("%w: %v", ErrInvalidPrice, err)
	}
	if !validPct(royaltyPct) || !validPct(platformFeePct) {
		return Breakdown{}, ErrInvalidPercentage
	}
	if royaltyPct.Add(platformFeePct).GreaterThan(hundred) {
		return Breakdown{}, ErrPercentageTotal
	}

	royalty := portion(price, royaltyPct)
	fee := portion(price, platformFeePct)
	seller := price.Sub(royalty).Sub(fee)

	// Both parts rounding up on a 100% split can overshoot by one unit.
	// The platform absorbs it so the seller transfer stays non-negative.
	if seller.IsNegative() {
		fee = fee.Add(seller)
		seller = decimal.Zero
	}

	return Breakdown{
		Price:       price,
		Royalty:     royalty,
		PlatformFee: fee,
		Seller:      seller,
	}, nil
}

// Calculator binds the platform fee percentage configured for the marketplace.
type Calculator struct {
	platformFeePct decimal.Decimal
}

// NewCalculator creates a calculator charging platformFeePct on every sale.
func NewCalculator(platformFeePct decimal.Decimal) (*Calculator, error) {
	if !validPct(platformFeePct) {
		return nil, ErrInvalidPercentage
	}
	return &Calculator{platformFeePct: platformFeePct}, nil
}

// PlatformFeePct returns the configured platform fee percentage.
func (c *Calculator) PlatformFeePct() decimal.Decimal {
	return c.platformFeePct
}

// Split splits price for an asset minted with royaltyPct.
func (c *Calculator) Split(price, royaltyPct decimal.Decimal) (Breakdown, error) {
	return Split(price, royaltyPct, c.platformFeePct)
}

func portion(price, pct decimal.Decimal) decimal.Decimal {
	return price.Mul(pct).DivRound(hundred, amount.Decimals)
}

func validPct(p decimal.Decimal) bool {
	return !p.IsNegative() && !p.GreaterThan(hundred)
}
