package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/visao-labs/visao"
	"github.com/visao-labs/visao/backends"
)

// loadConfig reads path, or builds a config from API key variables when
// path is empty.
func loadConfig(path string) (visao.Config, error) {
	if path == "" {
		cfg := visao.ConfigFromEnv()
		if len(cfg.Backends) == 0 {
			return cfg, fmt.Errorf("no --config given and no backend API key found in the environment")
		}
		return cfg, nil
	}
	cfg, err := visao.LoadConfig(path)
	if err != nil {
		return visao.Config{}, err
	}
	if err := visao.ValidateConfig(*cfg); err != nil {
		return visao.Config{}, fmt.Errorf("validation error: %w", err)
	}
	return *cfg, nil
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <config-file>",
		Short: "Validate a configuration file (JSON/YAML)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "config is valid")

			names := make([]string, 0, len(cfg.Backends))
			for _, b := range cfg.Backends {
				names = append(names, fmt.Sprintf("%s (%s)", b.Name, b.Type))
			}
			fmt.Fprintf(out, "  backends: %s\n", strings.Join(names, ", "))
			store := cfg.Cache.Store
			if store == "" {
				store = visao.CacheMemory
			}
			fmt.Fprintf(out, "  cache:    %s, max %d, ttl %s\n", store, cfg.Cache.MaxSize, cfg.Cache.TTLDuration())
			if cfg.History.Driver != "" {
				fmt.Fprintf(out, "  history:  %s\n", cfg.History.Driver)
			}
			if cfg.Auth.Mode != "" {
				fmt.Fprintf(out, "  auth:     %s\n", cfg.Auth.Mode)
			}
			return nil
		},
	}
}

func newBackendsCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "backends",
		Short: "List configured backends and their timeouts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tTYPE\tMODE\tMODEL\tTIMEOUT")
			for _, b := range cfg.Backends {
				timeout := cfg.Timeouts.For(b.Type.Mode()).String()
				if b.Timeout != "" {
					timeout = b.Timeout
				}
				model := b.Model
				if model == "" {
					model = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", b.Name, b.Type, b.Type.Mode(), model, timeout)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "config file (defaults to API key environment variables)")
	return cmd
}

func newAnalyzeCmd() *cobra.Command {
	var (
		configPath string
		mode       string
		modes      []string
	)
	cmd := &cobra.Command{
		Use:   "analyze <image-file>",
		Short: "Analyse an image and print the result as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			image, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}

			a, err := visao.NewFromConfig(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")

			if len(modes) > 0 {
				parsed := make([]backends.Mode, 0, len(modes))
				for _, m := range modes {
					pm, err := backends.ParseMode(m)
					if err != nil {
						return err
					}
					parsed = append(parsed, pm)
				}
				return enc.Encode(a.ProcessMany(cmd.Context(), image, parsed))
			}

			m, err := backends.ParseMode(mode)
			if err != nil {
				return err
			}
			res, err := a.Process(cmd.Context(), image, m)
			if err != nil {
				be := backends.Classify(err)
				return fmt.Errorf("%s: %s", be.Kind.UserMessage(), be.Error())
			}
			return enc.Encode(res)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "config file (defaults to API key environment variables)")
	cmd.Flags().StringVarP(&mode, "mode", "m", string(backends.ModeVision), "analysis mode: vision or generative")
	cmd.Flags().StringSliceVar(&modes, "modes", nil, "run several modes concurrently, e.g. vision,generative")
	return cmd
}
