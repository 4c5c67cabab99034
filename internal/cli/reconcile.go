package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"otcdesk/internal/app"
)

var (
	reconcileChain   string
	reconcileOfferID uint64
	reconcileAll     bool
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Audit cached deal state against ledger truth",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !reconcileAll && reconcileChain == "" {
			return fmt.Errorf("provide --all or --chain with --offer")
		}

		opts := app.ReconcileOptions{
			Chain:   reconcileChain,
			OfferID: reconcileOfferID,
			All:     reconcileAll,
		}

		return getApp().Reconcile(cmd.Context(), opts)
	},
}

func init() {
	reconcileCmd.Flags().StringVar(&reconcileChain, "chain", "", "Ledger family of the offer to audit")
	reconcileCmd.Flags().Uint64Var(&reconcileOfferID, "offer", 0, "Offer identifier to audit")
	reconcileCmd.Flags().BoolVar(&reconcileAll, "all", false, "Audit every active record")
}
