package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration helpers",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as YAML",
	Long: `Print the merged configuration (file, environment, defaults) after
validation. Secrets are redacted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		redacted := *cfg
		if redacted.Source.Token != "" {
			redacted.Source.Token = "<redacted>"
		}
		if redacted.Target.AccessToken != "" {
			redacted.Target.AccessToken = "<redacted>"
		}
		if redacted.Target.RefreshToken != "" {
			redacted.Target.RefreshToken = "<redacted>"
		}

		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		defer enc.Close()
		if err := enc.Encode(&redacted); err != nil {
			return fmt.Errorf("encoding config: %w", err)
		}
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
}
