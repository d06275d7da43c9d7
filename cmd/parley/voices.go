package main

import (
	"fmt"
	"log/slog"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/MrWong99/parley/internal/app"
	"github.com/MrWong99/parley/internal/config"
)

func newVoicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "voices",
		Short: "List the prebuilt voices of every built-in provider",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg := config.NewRegistry()
			app.RegisterBuiltinProviders(reg, slog.Default())

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "PROVIDER\tVOICE\tGENDER")
			for _, name := range reg.Names() {
				p, err := reg.Create(config.ProviderConfig{Name: name})
				if err != nil {
					return err
				}
				for _, v := range p.Voices() {
					fmt.Fprintf(tw, "%s\t%s\t%s\n", name, v.ID, v.Gender)
				}
			}
			return tw.Flush()
		},
	}
}
