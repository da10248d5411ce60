package main

import (
	"fmt"

	"github.com/rpggio/qcflow/internal/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const redacted = "********"

func newConfigCommand(ctx *commandContext) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration utilities",
	}
	configCmd.AddCommand(newConfigShowCommand(ctx))
	configCmd.AddCommand(newConfigValidateCommand(ctx))
	return configCmd
}

func newConfigShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets redacted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			data, err := yaml.Marshal(redact(cfg))
			if err != nil {
				return fmt.Errorf("encode config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

func newConfigValidateCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Configuration valid")
			fmt.Fprintf(out, "Transport: %s\n", cfg.Transport.Mode)
			fmt.Fprintf(out, "Database: %s\n", cfg.DB.Path)
			if cfg.Redis.Enabled() {
				fmt.Fprintf(out, "Redis: %s (rate limit: %s)\n", cfg.Redis.Addr, yesNo(cfg.Redis.RateLimit))
			}
			if cfg.Auth.Enabled {
				fmt.Fprintf(out, "Auth: %d station token(s)\n", len(cfg.Auth.Tokens))
			}
			return nil
		},
	}
}

// redact masks token values and the Redis password. Station names stay visible.
func redact(cfg config.Config) config.Config {
	if len(cfg.Auth.Tokens) > 0 {
		tokens := make(map[string]string, len(cfg.Auth.Tokens))
		i := 0
		for _, station := range cfg.Auth.Tokens {
			i++
			tokens[fmt.Sprintf("%s-%d", redacted, i)] = station
		}
		cfg.Auth.Tokens = tokens
	}
	if cfg.Redis.Password != "" {
		cfg.Redis.Password = redacted
	}
	return cfg
}
