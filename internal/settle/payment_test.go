package settle

import (
	"errors"
	"math/big"
	"testing"

	"github.com/shopspring/decimal"

	"otcdesk/internal/domain"
)

func baseUnits(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic("bad big int literal: " + s)
	}
	return v
}

func TestPaymentAmountStable(t *testing.T) {
	evm := DefaultAssets()[domain.ChainEVM]

	cases := []struct {
		name     string
		amount   *big.Int
		price    decimal.Decimal
		discount uint16
		want     string
	}{
		{
			name:     "whole tokens no discount",
			amount:   tokens(100),
			price:    decimal.NewFromInt(2),
			discount: 0,
			want:     "200000000", // $200 at 6 decimals
		},
		{
			name:     "ten percent discount",
			amount:   tokens(10_000),
			price:    decimal.NewFromInt(2),
			discount: 1000,
			want:     "18000000000", // $18,000
		},
		{
			name:     "sub-cent value rounds up",
			amount:   big.NewInt(1), // 1e-18 tokens
			price:    decimal.NewFromInt(1),
			discount: 0,
			want:     "1", // ceil(1e-12 stable units)
		},
		{
			name:     "repeating decimal rounds up",
			amount:   tokens(1),
			price:    decimal.RequireFromString("0.0000001"), // $1e-7 per token
			discount: 0,
			want:     "1", // $1e-7 is 0.1 stable base units, ceil to 1
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			offer := &domain.Offer{
				TokenAmount:      tc.amount,
				PriceUSDPerToken: tc.price,
				DiscountBps:      tc.discount,
				Currency:         domain.CurrencyStable,
			}
			got, err := PaymentAmount(offer, evm)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.String() != tc.want {
				t.Fatalf("expected %s base units, got %s", tc.want, got)
			}
		})
	}
}

func TestPaymentAmountNative(t *testing.T) {
	sol := DefaultAssets()[domain.ChainSolana]

	offer := &domain.Offer{
		TokenAmount:      baseUnits("3000000000000"), // 3,000 tokens at 9 decimals
		PriceUSDPerToken: decimal.NewFromInt(1),
		DiscountBps:      0,
		Currency:         domain.CurrencyNative,
		NativeUSDPrice:   decimal.NewFromInt(150), // $150 per SOL
	}
	got, err := PaymentAmount(offer, sol)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// $3,000 / $150 = 20 SOL = 20e9 lamports.
	if got.Cmp(baseUnits("20000000000")) != 0 {
		t.Fatalf("expected 20000000000 lamports, got %s", got)
	}
}

func TestPaymentAmountNativeRoundsUp(t *testing.T) {
	sol := DefaultAssets()[domain.ChainSolana]

	offer := &domain.Offer{
		TokenAmount:      baseUnits("1000000000"), // 1 token
		PriceUSDPerToken: decimal.NewFromInt(1),
		Currency:         domain.CurrencyNative,
		NativeUSDPrice:   decimal.NewFromInt(3), // 1/3 SOL is non-terminating
	}
	got, err := PaymentAmount(offer, sol)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// ceil(1e9 / 3) = 333333334 lamports, never underpaying.
	if got.Cmp(baseUnits("333333334")) != 0 {
		t.Fatalf("expected 333333334 lamports, got %s", got)
	}
}

func TestPaymentAmountValidation(t *testing.T) {
	evm := DefaultAssets()[domain.ChainEVM]

	cases := []struct {
		name  string
		offer *domain.Offer
	}{
		{"zero amount", &domain.Offer{TokenAmount: big.NewInt(0), PriceUSDPerToken: decimal.NewFromInt(1), Currency: domain.CurrencyStable}},
		{"zero price", &domain.Offer{TokenAmount: tokens(1), PriceUSDPerToken: decimal.Zero, Currency: domain.CurrencyStable}},
		{"discount above 100%", &domain.Offer{TokenAmount: tokens(1), PriceUSDPerToken: decimal.NewFromInt(1), DiscountBps: 10001, Currency: domain.CurrencyStable}},
		{"native without native price", &domain.Offer{TokenAmount: tokens(1), PriceUSDPerToken: decimal.NewFromInt(1), Currency: domain.CurrencyNative}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := PaymentAmount(tc.offer, evm)
			var vErr *domain.ValidationError
			if !errors.As(err, &vErr) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestFullDiscountPaysNothing(t *testing.T) {
	evm := DefaultAssets()[domain.ChainEVM]
	offer := &domain.Offer{
		TokenAmount:      tokens(100),
		PriceUSDPerToken: decimal.NewFromInt(2),
		DiscountBps:      10000,
		Currency:         domain.CurrencyStable,
	}
	got, err := PaymentAmount(offer, evm)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Sign() != 0 {
		t.Fatalf("100%% discount should owe zero, got %s", got)
	}
}
