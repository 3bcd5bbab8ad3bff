package fees

import (
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestSplit_RoundNumbers(t *testing.T) {
	b, err := Split(d("100"), d("5"), d("2.5"))
	require.NoError(t, err)

	assert.Equal(t, "5.00000000", b.Royalty.StringFixed(8))
	assert.Equal(t, "2.50000000", b.PlatformFee.StringFixed(8))
	assert.Equal(t, "92.50000000", b.Seller.StringFixed(8))
	assert.Equal(t, "100.00000000", b.Royalty.Add(b.PlatformFee).Add(b.Seller).StringFixed(8))
	assert.Equal(t, "97.50000000", b.SellerTransfer().StringFixed(8))
}

func TestSplit_RepeatingDecimals(t *testing.T) {
	price := d("33.33333333")
	b, err := Split(price, d("7.77"), d("2.5"))
	require.NoError(t, err)

	// 33.33333333 * 7.77 / 100 = 2.5899999997... -> 2.59000000
	assert.Equal(t, "2.59000000", b.Royalty.StringFixed(8))
	// 33.33333333 * 2.5 / 100 = 0.833333333... -> 0.83333333
	assert.Equal(t, "0.83333333", b.PlatformFee.StringFixed(8))
	assert.Equal(t, "29.91000000", b.Seller.StringFixed(8))
	assert.True(t, b.Balanced())
	assert.True(t, b.Royalty.Add(b.PlatformFee).Add(b.Seller).Equal(price))
}

func TestSplit_HalfUpRounding(t *testing.T) {
	// 0.00000003 * 50 / 100 = 0.000000015 -> 0.00000002
	b, err := Split(d("0.00000003"), d("50"), d("0"))
	require.NoError(t, err)
	assert.Equal(t, "0.00000002", b.Royalty.StringFixed(8))
	assert.Equal(t, "0.00000001", b.Seller.StringFixed(8))
}

func TestSplit_FullPercentageOvershootAbsorbedByPlatform(t *testing.T) {
	b, err := Split(d("0.00000001"), d("50"), d("50"))
	require.NoError(t, err)
	assert.True(t, b.Balanced())
	assert.False(t, b.Seller.IsNegative())
	assert.False(t, b.PlatformFee.IsNegative())
}

func TestSplit_ZeroSumLaw(t *testing.T) {
	prices := []string{"0", "0.00000001", "1", "9.99999999", "33.33333333", "100", "12345.6789", "99999999.99999999"}
	pcts := []string{"0", "0.01", "2.5", "5", "7.77", "12.345", "33.33", "49.999", "97.5"}

	for _, p := range prices {
		for _, r := range pcts {
			for _, f := range []string{"0", "2.5", "2.49", "10"} {
				if d(r).Add(d(f)).GreaterThan(d("100")) {
					continue
				}
				t.Run(fmt.Sprintf("%s/%s/%s", p, r, f), func(t *testing.T) {
					b, err := Split(d(p), d(r), d(f))
					require.NoError(t, err)
					if !b.Balanced() {
						t.Fatalf("parts %s+%s+%s != %s", b.Royalty, b.PlatformFee, b.Seller, b.Price)
					}
					if b.Seller.IsNegative() {
						t.Fatalf("negative seller amount %s", b.Seller)
					}
				})
			}
		}
	}
}

func TestSplit_Deterministic(t *testing.T) {
	first, err := Split(d("33.33333333"), d("7.77"), d("2.5"))
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		again, err := Split(d("33.33333333"), d("7.77"), d("2.5"))
		require.NoError(t, err)
		require.True(t, first.Royalty.Equal(again.Royalty))
		require.True(t, first.PlatformFee.Equal(again.PlatformFee))
		require.True(t, first.Seller.Equal(again.Seller))
	}
}

func TestSplit_InvalidInputs(t *testing.T) {
	tests := []struct {
		name                string
		price, royalty, fee string
		want                error
	}{
		{"negative price", "-1", "5", "2.5", ErrInvalidPrice},
		{"sub-unit price", "1.000000001", "5", "2.5", ErrInvalidPrice},
		{"negative royalty", "10", "-5", "2.5", ErrInvalidPercentage},
		{"royalty above 100", "10", "100.01", "0", ErrInvalidPercentage},
		{"total above 100", "10", "98", "2.5", ErrPercentageTotal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Split(d(tt.price), d(tt.royalty), d(tt.fee))
			if !errors.Is(err, tt.want) {
				t.Fatalf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestCalculator(t *testing.T) {
	_, err := NewCalculator(d("101"))
	require.ErrorIs(t, err, ErrInvalidPercentage)

	c, err := NewCalculator(d("2.5"))
	require.NoError(t, err)
	assert.True(t, c.PlatformFeePct().Equal(d("2.5")))

	b, err := c.Split(d("100"), d("5"))
	require.NoError(t, err)
	assert.Equal(t, "92.50000000", b.Seller.StringFixed(8))
}
