package cmd

import (
	"github.com/spf13/cobra"

	"github.com/paywire/paywire/internal/wizard"
	"github.com/paywire/paywire/pkg/cli"
)

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Interactive setup wizard to generate a config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.Flags().GetString("output")
			defaults, _ := cmd.Flags().GetBool("defaults")

			p := cli.DefaultPrompter()
			p.In = cmd.InOrStdin()
			p.Out = cmd.OutOrStdout()

			w := wizard.New(p)
			if defaults {
				return w.RunDefaults(output)
			}
			return w.Run(output)
		},
	}
	cmd.Flags().StringP("output", "o", "", "output config file path (default: ./paywire.json)")
	cmd.Flags().Bool("defaults", false, "generate config non-interactively from environment variables")
	return cmd
}
