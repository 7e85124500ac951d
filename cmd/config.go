package cmd

import (
	"errors"
	"fmt"
	"net/url"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/CodeMonkeyCybersecurity/warden/internal/config"
)

func (a *app) newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and create configuration files",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init [file]",
		Short: "Write a config file holding the defaults",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "warden.yaml"
			if len(args) == 1 {
				path = args[0]
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}

			v := viper.New()
			setDefaults(v, config.DefaultConfig())
			data, err := yaml.Marshal(v.AllSettings())
			if err != nil {
				return fmt.Errorf("failed to encode config: %w", err)
			}
			if err := os.WriteFile(path, data, 0o600); err != nil {
				return fmt.Errorf("failed to write %s: %w", path, err)
			}
			fmt.Fprintf(a.out, "Wrote default configuration to %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration (secrets masked)",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings := a.v.AllSettings()
			if db, ok := settings["database"].(map[string]interface{}); ok {
				if dsn, ok := db["dsn"].(string); ok {
					db["dsn"] = redactURL(dsn)
				}
			}
			if r, ok := settings["redis"].(map[string]interface{}); ok {
				if pw, ok := r["password"].(string); ok && pw != "" {
					r["password"] = "xxxxx"
				}
			}
			data, err := yaml.Marshal(settings)
			if err != nil {
				return fmt.Errorf("failed to encode config: %w", err)
			}
			if used := a.v.ConfigFileUsed(); used != "" {
				fmt.Fprintf(a.out, "# loaded from %s\n", used)
			}
			_, err = a.out.Write(data)
			return err
		},
	}

	cmd.AddCommand(initCmd, showCmd)
	return cmd
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	return u.Redacted()
}
