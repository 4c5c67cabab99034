package settle

import (
	"math/big"

	"github.com/shopspring/decimal"

	"otcdesk/internal/domain"
)

// AssetDecimals describes the base-unit scale of the assets settled on one
// chain: the consigned token, the chain's native asset, and the stable asset.
type AssetDecimals struct {
	Token  int32
	Native int32
	Stable int32
}

// DefaultAssets matches the deployed desk programs.
func DefaultAssets() map[domain.Chain]AssetDecimals {
	return map[domain.Chain]AssetDecimals{
		domain.ChainEVM:    {Token: 18, Native: 18, Stable: 6},
		domain.ChainSolana: {Token: 9, Native: 9, Stable: 6},
	}
}

// PaymentAmount computes the exact base-unit amount a payer owes for an
// offer. The USD value is the discounted snapshot price times the token
// amount; conversion to base units rounds up, matching the on-ledger
// programs, so the desk never underpays by a rounding hair.
func PaymentAmount(offer *domain.Offer, assets AssetDecimals) (*big.Int, error) {
	if offer.TokenAmount == nil || offer.TokenAmount.Sign() <= 0 {
		return nil, &domain.ValidationError{Field: "tokenAmount", Reason: "must be positive"}
	}
	if offer.PriceUSDPerToken.LessThanOrEqual(decimal.Zero) {
		return nil, &domain.ValidationError{Field: "priceUsdPerToken", Reason: "must be positive"}
	}
	if offer.DiscountBps > 10000 {
		return nil, &domain.ValidationError{Field: "discountBps", Reason: "exceeds 10000"}
	}

	tokens := decimal.NewFromBigInt(offer.TokenAmount, -assets.Token)
	discounted := offer.PriceUSDPerToken.
		Mul(decimal.NewFromInt(10000 - int64(offer.DiscountBps))).
		Div(decimal.NewFromInt(10000))
	usd := tokens.Mul(discounted)

	switch offer.Currency {
	case domain.CurrencyStable:
		return ceilToBaseUnits(usd, assets.Stable), nil
	case domain.CurrencyNative:
		if offer.NativeUSDPrice.LessThanOrEqual(decimal.Zero) {
			return nil, &domain.ValidationError{Field: "nativeUsdPrice", Reason: "must be positive for native settlement"}
		}
		return ceilToBaseUnits(usd.Div(offer.NativeUSDPrice), assets.Native), nil
	default:
		return nil, &domain.ValidationError{Field: "currency", Reason: "unknown settlement currency"}
	}
}

func ceilToBaseUnits(v decimal.Decimal, exponent int32) *big.Int {
	return v.Shift(exponent).Ceil().BigInt()
}
