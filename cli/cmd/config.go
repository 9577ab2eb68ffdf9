package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the effective configuration",
	Long:  "Print the merged configuration from defaults, config file, environment and flags.",
	RunE:  showConfig,
}

func init() {
	rootCmd.AddCommand(configCmd)
}

// effectiveConfig mirrors the viper keys; secrets are excluded.
type effectiveConfig struct {
	Warden struct {
		Path           string `yaml:"path"`
		StoreType      string `yaml:"store_type"`
		SessionTimeout string `yaml:"session_timeout"`
		MemoryLock     bool   `yaml:"memory_lock"`
	} `yaml:"warden"`
	Audit struct {
		Type     string `yaml:"type"`
		FilePath string `yaml:"file_path"`
		Chain    bool   `yaml:"chain"`
	} `yaml:"audit"`
}

func showConfig(cmd *cobra.Command, args []string) error {
	var cfg effectiveConfig
	cfg.Warden.Path = viper.GetString("warden.path")
	cfg.Warden.StoreType = viper.GetString("warden.store_type")
	cfg.Warden.SessionTimeout = viper.GetDuration("warden.session_timeout").String()
	cfg.Warden.MemoryLock = viper.GetBool("warden.memory_lock")
	cfg.Audit.Type = viper.GetString("audit.type")
	cfg.Audit.FilePath = viper.GetString("audit.file_path")
	cfg.Audit.Chain = viper.GetBool("audit.chain")

	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to render configuration: %w", err)
	}

	if used := viper.ConfigFileUsed(); used != "" {
		fmt.Printf("# config file: %s\n", used)
	}
	os.Stdout.Write(out)
	return nil
}
