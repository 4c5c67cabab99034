package cli

import (
	"errors"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"otcdesk/internal/app"
)

var (
	checkPriceChain     string
	checkPriceToken     string
	checkPriceCandidate float64
	checkPriceThreshold float64
)

var checkPriceCmd = &cobra.Command{
	Use:   "check-price",
	Short: "Run a one-off price protection check for a token",
	RunE: func(cmd *cobra.Command, args []string) error {
		if checkPriceToken == "" {
			return errors.New("--token must be provided")
		}
		if checkPriceCandidate <= 0 {
			return errors.New("--candidate must be greater than 0")
		}

		opts := app.CheckPriceOptions{
			Chain:        checkPriceChain,
			TokenID:      checkPriceToken,
			CandidateUSD: decimal.NewFromFloat(checkPriceCandidate),
			ThresholdPct: decimal.NewFromFloat(checkPriceThreshold),
		}

		return getApp().CheckPrice(cmd.Context(), opts)
	},
}

func init() {
	checkPriceCmd.Flags().StringVar(&checkPriceChain, "chain", "evm", "Ledger family the token lives on")
	checkPriceCmd.Flags().StringVar(&checkPriceToken, "token", "", "Token identifier (contract address or mint)")
	checkPriceCmd.Flags().Float64Var(&checkPriceCandidate, "candidate", 0, "Candidate USD price to validate")
	checkPriceCmd.Flags().Float64Var(&checkPriceThreshold, "threshold", 0, "Divergence threshold in percent (defaults to config)")
}
