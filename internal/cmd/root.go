// Package cmd implements the paywire command line.
package cmd

import (
	"github.com/spf13/cobra"
)

var version = "dev"

// NewRootCmd creates the root cobra command for paywire.
// When invoked without a subcommand, it delegates to "run".
func NewRootCmd(v string) *cobra.Command {
	version = v

	root := &cobra.Command{
		Use:   "paywire",
		Short: "Paywire: Stripe checkout, webhooks and billing portal glue",
		Long: "Paywire creates Stripe Checkout sessions, receives Stripe webhooks, " +
			"remembers which Stripe customer belongs to which user and redirects users to the billing portal.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, args)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newRunCmd())
	root.AddCommand(newInitCmd())
	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringP("config", "c", "", "path to config file (default: ./paywire.json when present)")

	return root
}
