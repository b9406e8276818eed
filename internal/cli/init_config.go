package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newInitConfigCmd() *cobra.Command {
	var (
		output string
		force  bool
	)

	cmd := &cobra.Command{
		Use:   "init-config",
		Short: "Write a starter config file",
		Example: `  turnstile init-config
  turnstile init-config --output /etc/turnstile/turnstile.yaml --force`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !force {
				if _, err := os.Stat(output); err == nil {
					return fmt.Errorf("%s already exists (use --force to overwrite)", output)
				}
			}
			return writeExampleConfig(cmd, output)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "turnstile.yaml", "output file path")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}
