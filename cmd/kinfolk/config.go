package main

import (
	"fmt"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configShowCmd.Flags().Bool("reveal", false, "Print the token unmasked")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage Kinfolk configuration",
	Long:  "View or modify the Kinfolk CLI configuration stored in ~/.kinfolk/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current configuration with the token masked",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			fmt.Println("No configuration file found. Run 'kinfolk init <token>' to create one.")
			return nil
		}
		cfg, err := readConfigFile()
		if err != nil {
			return err
		}

		reveal, _ := cmd.Flags().GetBool("reveal")
		if !reveal {
			cfg = redactedConfig(cfg)
		}
		data, err := toml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("cannot encode config: %w", err)
		}
		fmt.Printf("# %s\n%s", path, data)

		for _, env := range []string{"KINFOLK_TOKEN", "KINFOLK_BASE_URL"} {
			if os.Getenv(env) != "" {
				fmt.Printf("# %s is set and overrides the file\n", env)
			}
		}
		return nil
	},
}

// redactedConfig returns a copy of cfg that is safe to print.
func redactedConfig(cfg *Config) *Config {
	out := *cfg
	if out.Auth.Token != "" {
		out.Auth.Token = maskKey(out.Auth.Token)
	}
	return &out
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: "Set a configuration value using dot notation.\n" +
		"Keys: default.base_url, default.timeout, auth.token, auth.username\n" +
		"Example: kinfolk config set default.base_url https://api.kinfolk.social",
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], strings.TrimSpace(args[1])

		cfg, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		shown := value
		if key == "auth.token" {
			shown = maskKey(value)
		}
		fmt.Printf("Set %s = %s\n", key, shown)
		return nil
	},
}
