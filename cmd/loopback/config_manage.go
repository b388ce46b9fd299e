package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/loopback/internal/config"
	"github.com/mattjoyce/loopback/internal/doctor"
)

// errWarnings makes `config check --strict` exit non-zero on warnings.
var errWarnings = errors.New("configuration has warnings")

func newConfigCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Validate and lock configuration",
	}

	var strict, jsonOut bool
	check := &cobra.Command{
		Use:   "check",
		Short: "Validate syntax, policy and integrity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, *configPath)
			if err != nil {
				return err
			}

			integrity, err := config.VerifyIntegrity(cfg.SourcePath)
			if err != nil {
				return err
			}
			result := doctor.New(cfg, integrity).Validate()

			if jsonOut {
				out, err := doctor.FormatJSON(result)
				if err != nil {
					return fmt.Errorf("JSON format error: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), out)
			} else {
				fmt.Fprint(cmd.OutOrStdout(), doctor.FormatHuman(result))
			}

			if !result.Valid {
				return errors.New("configuration invalid")
			}
			if strict && len(result.Warnings) > 0 {
				return errWarnings
			}
			return nil
		},
	}
	check.Flags().BoolVar(&strict, "strict", false, "Treat warnings as errors")
	check.Flags().BoolVar(&jsonOut, "json", false, "Output in JSON")

	lockCmd := &cobra.Command{
		Use:   "lock",
		Short: "Record the config file's BLAKE3 hash in .checksums",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, *configPath)
			if err != nil {
				return err
			}
			manifest, err := config.Lock(cfg.SourcePath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", manifest)
			return nil
		},
	}

	cmd.AddCommand(check, lockCmd)
	return cmd
}
