package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"TutorChat/internal/config"
)

func newRootCmd() *cobra.Command {
	v := viper.New()
	var configFile string

	rootCmd := &cobra.Command{
		Use:           "tutorchat",
		Short:         "Math tutor chat backed by Gemini",
		Long:          "tutorchat serves a study assistant for Matemáticas III: a web chat with formula rendering and generated plots, a terminal chat and model diagnostics.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			if configFile != "" {
				v.SetConfigFile(configFile)
			}
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "config file (default ./tutorchat.yaml)")
	flags.String("model", config.ModelAuto, "Gemini model, or auto to select one at runtime")
	flags.String("db", "", "SQLite file for sessions (empty keeps them in memory)")
	flags.String("log-dir", "logs", "directory for logs, traces and metrics")
	flags.Bool("debug", false, "enable debug logging to stderr")
	flags.Float64("temperature", 0.3, "sampling temperature")
	flags.Bool("plots", true, "render plots from code blocks in replies")
	flags.String("curriculum", "", "course YAML file (default: embedded course)")

	bind := map[string]string{
		"model":           "model",
		"db_path":         "db",
		"log_dir":         "log-dir",
		"debug":           "debug",
		"temperature":     "temperature",
		"plot.enabled":    "plots",
		"curriculum_file": "curriculum",
	}
	for key, flag := range bind {
		_ = v.BindPFlag(key, flags.Lookup(flag))
	}

	rootCmd.AddCommand(
		newServeCmd(v),
		newChatCmd(v),
		newModelsCmd(v),
	)
	return rootCmd
}
