package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

const version = "0.1.0"

type app struct {
	configPath string

	cfg    config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:     "ragchat",
		Short:   "Chat with your documents through a RAG backend",
		Version: version,
		Long: `ragchat is a web front-end and command-line client for a retrieval-augmented chat backend.
Answers are streamed as they are generated, together with the document citations they rely on.`,
		Example: `  # Save the token issued by the backend
  $ ragchat login --token eyJhbGciOi... --user alice

  # Serve the web interface
  $ ragchat serve

  # Ask a question from the terminal
  $ ragchat ask 3f2a "What does the onboarding guide say about laptops?"`,
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVar(&a.configPath, "config", "",
		"config file (default is <user config dir>/ragchat/config.yaml)")

	rootCmd.AddCommand(a.serveCmd())
	rootCmd.AddCommand(a.askCmd())
	rootCmd.AddCommand(a.loginCmd())
	rootCmd.AddCommand(a.logoutCmd())

	return rootCmd
}

func (a *app) setup(*cobra.Command, []string) error {
	dir, err := appDir()
	if err != nil {
		return err
	}

	path := a.configPath
	required := path != ""
	if !required {
		path = filepath.Join(dir, "config.yaml")
	}

	cfg, err := loadConfig(path, dir, required)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.Log, os.Stderr)
	if err != nil {
		return fmt.Errorf("error creating logger: %w", err)
	}
	slog.SetDefault(logger)

	a.cfg = cfg
	a.logger = logger
	return nil
}
