package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"otcdesk/internal/app"
)

var (
	approveChain   string
	approveOfferID uint64
)

var approveCmd = &cobra.Command{
	Use:   "approve",
	Short: "Approve an offer and settle its payment",
	RunE: func(cmd *cobra.Command, args []string) error {
		if approveChain == "" {
			return fmt.Errorf("--chain must be provided")
		}

		opts := app.ApproveOptions{
			Chain:   approveChain,
			OfferID: approveOfferID,
		}

		return getApp().Approve(cmd.Context(), opts)
	},
}

func init() {
	approveCmd.Flags().StringVar(&approveChain, "chain", "", "Ledger family the offer lives on (evm or solana)")
	approveCmd.Flags().Uint64Var(&approveOfferID, "offer", 0, "Offer identifier")
}
