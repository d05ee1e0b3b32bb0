package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vigilwaf/vigil/internal/config"
	"github.com/vigilwaf/vigil/internal/rules"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	root := &cobra.Command{
		Use:          "vigil",
		Short:        "Vigil rule-based HTTP inspection gateway",
		SilenceUsage: true,
	}

	root.AddCommand(newRunCmd())
	root.AddCommand(newValidateCmd())
	root.AddCommand(newInspectCmd())
	root.AddCommand(newReportCmd())
	root.AddCommand(newVersionCmd())

	if err := root.Execute(); err != nil {
		printError(err)
		os.Exit(1)
	}
}

// printError lists every problem of a validation or rule load failure on
// its own line.
func printError(err error) {
	var verr *config.ValidationError
	var lerr *rules.LoadError
	switch {
	case errors.As(err, &verr):
		for _, msg := range verr.Problems {
			fmt.Fprintln(os.Stderr, msg)
		}
	case errors.As(err, &lerr):
		for _, msg := range lerr.Problems {
			fmt.Fprintln(os.Stderr, msg)
		}
	default:
		fmt.Fprintln(os.Stderr, err)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newValidateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a configuration file and compile its rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			wcfg, err := cfg.WAF()
			if err != nil {
				return err
			}
			set, err := rules.Load(wcfg.RuleFiles, wcfg.Rules)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "config ok: %d rules from %d files\n", set.Len(), len(set.Files()))
			return err
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "version=%s commit=%s buildDate=%s\n", version, commit, buildDate)
		},
	}
}
