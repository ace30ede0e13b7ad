package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"starstack/internal/config"
	"starstack/internal/fsutil"
)

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration settings",
		Long:  "Show or validate starstack configuration",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configShow()
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configValidate()
		},
	}

	cmd.AddCommand(showCmd, validateCmd)
	return cmd
}

func (r *Root) configShow() error {
	cfgPath := os.Getenv(config.EnvConfigPath)
	if cfgPath == "" {
		cfgPath = "(default) ~/.config/starstack/config.json"
	}
	fmt.Fprintf(r.out, "Current configuration:\n")
	fmt.Fprintf(r.out, "Config file: %s\n", cfgPath)
	fmt.Fprintf(r.out, "Database Path: %s\n", r.cfg.Paths.DatabasePath)
	fmt.Fprintf(r.out, "Default Output: %s\n", r.cfg.Paths.DefaultOutput)
	fmt.Fprintf(r.out, "Temp Directory: %s\n", r.cfg.Processing.TempDir)
	fmt.Fprintf(r.out, "Memory Limit: %s\n", r.cfg.Processing.MemoryLimit)
	if mem, err := fsutil.GetSystemMemory(); err == nil && mem > 0 {
		fmt.Fprintf(r.out, "System Memory: %s\n", humanize.IBytes(mem))
	}
	fmt.Fprintln(r.out)

	data, err := json.MarshalIndent(r.cfg, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(r.out, string(data))
	return nil
}

func (r *Root) configValidate() error {
	if err := r.cfg.Validate(); err != nil {
		r.log.Error("configuration validation", "status", "invalid", "error", err)
		return fmt.Errorf("invalid configuration:\n%w", err)
	}
	r.log.Info("configuration validation", "status", "valid")
	fmt.Fprintln(r.out, "Configuration is valid")
	return nil
}
