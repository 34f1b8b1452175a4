package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"TutorChat/internal/llm"
)

func newModelsCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List the models the API key can use and show the selection",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := wireApp(ctx, v)
			if err != nil {
				return err
			}
			defer a.close()

			out := cmd.OutOrStdout()
			models, err := a.client.ListModels(ctx)
			if err != nil {
				fmt.Fprintf(out, "Model listing failed: %v\n", err)
			}
			for _, m := range models {
				mark := " "
				if m.Supports(llm.ActionGenerateContent) {
					mark = "*"
				}
				fmt.Fprintf(out, "%s %-40s %s\n", mark, m.Name, strings.Join(m.Actions, ","))
			}

			sel, err := a.selector.Resolve(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "\nSelected: %s (%s)\n", sel.Model, sel.Source)
			for _, at := range sel.Attempts {
				fmt.Fprintf(out, "  rejected %s\n", at)
			}
			return nil
		},
	}
}
