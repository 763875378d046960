package main

import (
	"os"

	"github.com/spf13/cobra"
)

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Print the effective site profile as YAML",
	RunE: func(cmd *cobra.Command, _ []string) error {
		prof, err := loadProfile()
		if err != nil {
			return err
		}
		primary, _ := cmd.Flags().GetStringSlice("primary")
		if len(primary) == 0 {
			primary = cfg.Traverse.Primary
		}
		if err := prof.SelectPrimary(primary); err != nil {
			return err
		}
		out, err := prof.Encode()
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(out)
		return err
	},
}

func init() {
	profileCmd.Flags().StringSlice("primary", nil, "narrow the primary values as harvest would")
	rootCmd.AddCommand(profileCmd)
}
