package cmd

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"southwinds.dev/warden"
	"southwinds.dev/warden/audit"
	"southwinds.dev/warden/persist"
)

var (
	cfgFile    string
	wardenPath string
	passphrase string

	session    *warden.Session
	keyManager *warden.KeyManager
	gate       *warden.Gate
	trail      *audit.Trail
	store      persist.Store
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "warden",
	Short: "Session and key management for an encrypted local vault",
	Long: `Warden manages the unlock session of an encrypted local vault: it derives
the session key from your master passphrase, rotates the storage passphrase that
encrypts the data store, and records every security-relevant action in a
tamper-evident audit trail.`,
	PersistentPreRunE: initializeWarden,
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if gate != nil {
			gate.CloseStore()
		}
		if session != nil {
			session.Close()
		}
		if store != nil {
			store.Close()
		}
		if trail != nil {
			return trail.Close()
		}
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.warden.yaml)")
	rootCmd.PersistentFlags().StringVarP(&wardenPath, "path", "p", "", "path to warden state")
	rootCmd.PersistentFlags().StringVar(&passphrase, "passphrase", "", "master passphrase (or use WARDEN_PASSPHRASE env var)")
	rootCmd.PersistentFlags().String("store-type", "", "key record backend type (file, badger)")
	rootCmd.PersistentFlags().Duration("session-timeout", 0, "inactivity timeout before the session locks")
	rootCmd.PersistentFlags().Bool("memory-lock", true, "attempt to lock process memory")

	bindFlagOrPanic("warden.path", "path")
	bindFlagOrPanic("warden.passphrase", "passphrase")
	bindFlagOrPanic("warden.store_type", "store-type")
	bindFlagOrPanic("warden.session_timeout", "session-timeout")
	bindFlagOrPanic("warden.memory_lock", "memory-lock")

	rootCmd.PersistentFlags().String("audit-type", "", "audit store type (file, badger)")
	rootCmd.PersistentFlags().String("audit-file", "", "audit log file path")
	rootCmd.PersistentFlags().Bool("audit-chain", true, "link audit entries with a hash chain")

	bindFlagOrPanic("audit.type", "audit-type")
	bindFlagOrPanic("audit.file_path", "audit-file")
	bindFlagOrPanic("audit.chain", "audit-chain")
}

func bindFlagOrPanic(configKey, flagName string) {
	if err := viper.BindPFlag(configKey, rootCmd.PersistentFlags().Lookup(flagName)); err != nil {
		panic(fmt.Sprintf("failed to bind %s flag: %v", flagName, err))
	}
}

func initConfig() {
	setDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")

		viper.SetConfigType("yaml")
		viper.SetConfigName(".warden")
	}

	viper.SetEnvPrefix("WARDEN")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "Error reading config file: %v\n", err)
		}
		// Missing config file is fine, defaults and env vars apply.
	}
}

func setDefaults() {
	viper.SetDefault("warden.path", ".warden")
	viper.SetDefault("warden.store_type", "file")
	viper.SetDefault("warden.session_timeout", warden.DefaultSessionTimeout)
	viper.SetDefault("warden.memory_lock", true)

	viper.SetDefault("audit.type", "file")
	viper.SetDefault("audit.file_path", "audit.jsonl")
	viper.SetDefault("audit.chain", true)
}

func initializeWarden(cmd *cobra.Command, args []string) error {
	if cmd.Name() == "help" || cmd.Name() == "completion" || cmd.Name() == "__complete" || cmd.Name() == "config" {
		return nil
	}

	wardenPath = viper.GetString("warden.path")

	passphrase = viper.GetString("warden.passphrase")
	if passphrase == "" {
		passphrase = os.Getenv("WARDEN_PASSPHRASE")
	}
	if passphrase == "" {
		return fmt.Errorf("master passphrase is required. Use --passphrase flag or WARDEN_PASSPHRASE environment variable")
	}

	if err := os.MkdirAll(wardenPath, 0700); err != nil {
		return fmt.Errorf("failed to create warden directory: %w", err)
	}

	var err error
	store, err = newPersistStore()
	if err != nil {
		return err
	}

	trail, err = newAuditTrail()
	if err != nil {
		return err
	}

	session, err = warden.NewSession(warden.Options{
		SessionTimeout:   viper.GetDuration("warden.session_timeout"),
		EnableMemoryLock: viper.GetBool("warden.memory_lock"),
		Persist:          store,
		Audit:            trail,
		UserID:           currentUser(),
		Username:         currentUser(),
	})
	if err != nil {
		return fmt.Errorf("failed to create session manager: %w", err)
	}

	if _, err = session.StartSession([]byte(passphrase)); err != nil {
		return fmt.Errorf("failed to unlock: %w", err)
	}

	keyManager, err = warden.NewKeyManager(session, store, trail)
	if err != nil {
		return err
	}

	opener := warden.NewBadgerOpener(filepath.Join(wardenPath, "store"))
	gate, err = warden.NewGate(session, keyManager, trail, opener)
	return err
}

func newPersistStore() (persist.Store, error) {
	storeType := persist.StoreType(viper.GetString("warden.store_type"))
	config := map[string]interface{}{}
	switch storeType {
	case persist.StoreTypeBadger:
		config["dir"] = filepath.Join(wardenPath, "keys")
	default:
		storeType = persist.StoreTypeFileSystem
		config["base_path"] = wardenPath
	}

	s, err := persist.NewStore(persist.StoreConfig{Type: storeType, Config: config})
	if err != nil {
		return nil, fmt.Errorf("failed to open key record store: %w", err)
	}
	return s, nil
}

func newAuditTrail() (*audit.Trail, error) {
	var (
		auditStore audit.Store
		err        error
	)
	switch viper.GetString("audit.type") {
	case "badger":
		auditStore, err = audit.NewBadgerStore(filepath.Join(wardenPath, "audit"))
	default:
		path := viper.GetString("audit.file_path")
		if !filepath.IsAbs(path) {
			path = filepath.Join(wardenPath, path)
		}
		auditStore, err = audit.NewFileStore(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open audit store: %w", err)
	}

	return audit.New(auditStore, audit.Config{
		ChainEnabled: viper.GetBool("audit.chain"),
		UserID:       currentUser(),
		Username:     currentUser(),
	})
}

func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "unknown"
}

func parseTimeFlag(value string) (time.Time, error) {
	if d, err := time.ParseDuration(value); err == nil {
		return time.Now().UTC().Add(-d), nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("expected a duration (e.g. 720h) or RFC3339 timestamp: %w", err)
	}
	return t, nil
}
