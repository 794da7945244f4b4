package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/quan-xiao/testmanager/internal/config"
	"github.com/quan-xiao/testmanager/internal/doctor"
	"github.com/quan-xiao/testmanager/internal/exitcode"
)

func (c *cli) configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Validate, lock and inspect configuration",
	}
	cmd.AddCommand(c.configCheckCmd(), c.configLockCmd(), c.configGetCmd(), c.configShowCmd())
	return cmd
}

func (c *cli) configCheckCmd() *cobra.Command {
	var (
		jsonOut bool
		strict  bool
	)
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate syntax, integrity and runtime settings",
		Long: `Loads the configuration (verifying .checksums when present) and reviews it
for settings that parse but will misbehave at runtime. Exits non-zero on
errors, and on warnings too with --strict.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return withCode(exitcode.Failure, err)
			}
			result := doctor.New(cfg).Validate()
			if jsonOut {
				out, err := doctor.FormatJSON(result)
				if err != nil {
					return withCode(exitcode.Failure, err)
				}
				fmt.Fprintln(c.stdout, out)
			} else {
				fmt.Fprint(c.stdout, doctor.FormatHuman(result))
			}
			switch {
			case !result.Valid:
				return withCode(exitcode.Failure, fmt.Errorf("%d configuration error(s)", len(result.Errors)))
			case strict && len(result.Warnings) > 0:
				return withCode(exitcode.Failure, fmt.Errorf("%d configuration warning(s) with --strict", len(result.Warnings)))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print the result as JSON")
	cmd.Flags().BoolVar(&strict, "strict", false, "treat warnings as failures")
	return cmd
}

func (c *cli) configLockCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Record BLAKE3 checksums of every config file",
		Long: `Writes .checksums next to the root config file. Once present, every load
verifies the config files and .env against it and refuses to start on a
mismatch. Run again after intentional edits.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadUnverified(c.resolveConfigPath())
			if err != nil {
				return withCode(exitcode.Failure, fmt.Errorf("load config: %w", err))
			}
			rep, err := config.Lock(cfg, dryRun)
			if err != nil {
				return withCode(exitcode.Failure, err)
			}
			for _, f := range rep.Files {
				fmt.Fprintf(c.stdout, "  %s  %s\n", f.Hash[:16], f.Filename)
			}
			if rep.Written {
				fmt.Fprintf(c.stdout, "Locked %d file(s) in %s\n", len(rep.Files), rep.ChecksumPath)
			} else {
				fmt.Fprintf(c.stdout, "Dry run: would lock %d file(s) in %s\n", len(rep.Files), rep.ChecksumPath)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be recorded without writing")
	return cmd
}

func (c *cli) configGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "get PATH",
		Short:   "Print one effective config value",
		Example: "  testmanager config get dispatch.liveness_timeout",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return withCode(exitcode.Failure, err)
			}
			value, err := cfg.Redacted().GetPath(args[0])
			if err != nil {
				return withCode(exitcode.Syntax, err)
			}
			return withCode(exitcode.Failure, c.printValue(value))
		},
	}
}

func (c *cli) configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets masked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return withCode(exitcode.Failure, err)
			}
			return withCode(exitcode.Failure, c.printValue(cfg.Redacted()))
		},
	}
}

func (c *cli) printValue(v any) error {
	switch v := v.(type) {
	case string:
		_, err := fmt.Fprintln(c.stdout, v)
		return err
	case nil:
		return errors.New("no value")
	}
	enc := yaml.NewEncoder(c.stdout)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}
