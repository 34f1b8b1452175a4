package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"TutorChat/internal/repl"
)

func newChatCmd(v *viper.Viper) *cobra.Command {
	var opts repl.Options

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the tutor in the terminal",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			a, err := wireApp(ctx, v)
			if err != nil {
				return err
			}
			defer a.close()

			r, err := repl.New(a.tutor, os.Stdin, cmd.OutOrStdout(), a.logger, opts)
			if err != nil {
				return err
			}
			return r.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&opts.Style, "style", "", "glamour style (dark, light, notty); default detects the terminal")
	cmd.Flags().IntVar(&opts.Width, "width", 100, "word wrap width")
	cmd.Flags().StringVar(&opts.PlotDir, "plot-dir", "plots", "directory for plot SVG files")
	return cmd
}
