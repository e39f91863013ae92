package cmd

import (
	"errors"
	"fmt"
	"log"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/eatyourpeas-ltd/checktick"
	"github.com/eatyourpeas-ltd/checktick/audit"
	"github.com/eatyourpeas-ltd/checktick/notify"
	"github.com/eatyourpeas-ltd/checktick/persist"
)

var (
	cfgFile     string
	store       persist.Store
	auditLogger audit.Logger
	hierarchy   *checktick.KeyHierarchy
	engine      *checktick.RecoveryEngine
	cliContext  *CLIContext
)

type CLIContext struct {
	UserID    string
	SessionID string
	Source    string // hostname
	StartTime time.Time
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "checktick-keys",
	Short: "Key custody and recovery tooling for the CheckTick platform",
	Long: `Operator tooling for the CheckTick encryption key hierarchy: platform key
component management, recovery request administration, the time-delay
scheduler, and audit log queries. Survey keys are sealed with
ChaCha20-Poly1305 and derived through PBKDF2 with per-scope domain
separation.`,
	PersistentPreRunE: initializeServices,
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if auditLogger != nil {
			_ = auditLogger.Close()
		}
		if store != nil {
			return store.Close()
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

	// Global flags - consistent with config file structure
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.checktick.yaml)")
	rootCmd.PersistentFlags().StringP("store-path", "p", "", "path to key storage (file store)")
	rootCmd.PersistentFlags().String("store-type", "", "storage backend type (file, vault, s3)")

	bindFlagOrPanic("store.path", "store-path")
	bindFlagOrPanic("store.type", "store-type")

	// Audit flags
	rootCmd.PersistentFlags().Bool("audit", false, "enable audit logging")
	rootCmd.PersistentFlags().String("audit-type", "", "audit logger type (file, syslog)")
	rootCmd.PersistentFlags().String("audit-file", "", "audit log file path")

	bindFlagOrPanic("audit.enabled", "audit")
	bindFlagOrPanic("audit.type", "audit-type")
	bindFlagOrPanic("audit.options.file_path", "audit-file")

	// Vault flags
	rootCmd.PersistentFlags().String("vault-address", "", "HashiCorp Vault address")
	rootCmd.PersistentFlags().String("vault-token", "", "HashiCorp Vault token")
	rootCmd.PersistentFlags().String("vault-mount", "", "Vault KV v2 mount path")

	bindFlagOrPanic("store.vault.address", "vault-address")
	bindFlagOrPanic("store.vault.token", "vault-token")
	bindFlagOrPanic("store.vault.mount_path", "vault-mount")

	// S3 flags (for direct CLI usage)
	rootCmd.PersistentFlags().String("s3-endpoint", "", "S3 endpoint URL")
	rootCmd.PersistentFlags().String("s3-region", "", "S3 region")
	rootCmd.PersistentFlags().String("s3-bucket", "", "S3 bucket name")
	rootCmd.PersistentFlags().String("s3-prefix", "", "S3 key prefix")
	rootCmd.PersistentFlags().String("s3-access-key", "", "S3 access key ID")
	rootCmd.PersistentFlags().String("s3-secret-key", "", "S3 secret access key")
	rootCmd.PersistentFlags().Bool("s3-use-ssl", true, "Use SSL for S3 connections")

	bindFlagOrPanic("store.s3.endpoint", "s3-endpoint")
	bindFlagOrPanic("store.s3.region", "s3-region")
	bindFlagOrPanic("store.s3.bucket", "s3-bucket")
	bindFlagOrPanic("store.s3.prefix", "s3-prefix")
	bindFlagOrPanic("store.s3.access_key_id", "s3-access-key")
	bindFlagOrPanic("store.s3.secret_access_key", "s3-secret-key")
	bindFlagOrPanic("store.s3.use_ssl", "s3-use-ssl")
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
		viper.AddConfigPath("/etc/checktick")

		viper.SetConfigType("yaml")
		viper.SetConfigName(".checktick")
	}

	viper.SetEnvPrefix("CHECKTICK")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "Error reading config file: %v\n", err)
		}
		// Config file not found is OK - defaults and env vars apply
	} else {
		if os.Getenv("DEBUG") == "true" {
			fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
		}
	}
}

func setDefaults() {
	viper.SetDefault("store.type", "file")
	viper.SetDefault("store.path", ".checktick")

	viper.SetDefault("store.vault.mount_path", "secret")
	viper.SetDefault("store.vault.base_path", "checktick")

	viper.SetDefault("store.s3.region", "us-east-1")
	viper.SetDefault("store.s3.prefix", "checktick/")
	viper.SetDefault("store.s3.use_ssl", true)

	viper.SetDefault("audit.enabled", false)
	viper.SetDefault("audit.type", "file")
	viper.SetDefault("audit.options.max_size", 100)
	viper.SetDefault("audit.options.max_backups", 5)
	viper.SetDefault("audit.log_level", "info")
	viper.SetDefault("audit.options.file_path", "audit.log")

	viper.SetDefault("recovery.delay", "24h")
	viper.SetDefault("recovery.verification_expiry", "30m")
	viper.SetDefault("recovery.max_verification_attempts", 3)
	viper.SetDefault("recovery.admin_recipients", []string{})

	viper.SetDefault("security.memory_lock", false)
}

func initializeServices(cmd *cobra.Command, args []string) error {
	// Skip initialization for commands that do not touch the store
	switch cmd.Name() {
	case "help", "completion", "__complete", "version", "config":
		return nil
	}
	if cmd.Parent() != nil && cmd.Parent().Name() == "config" {
		return nil
	}

	storePath := viper.GetString("store.path")

	// Set audit file path relative to the store path if not explicitly set
	if viper.GetString("audit.options.file_path") == "audit.log" {
		viper.Set("audit.options.file_path", filepath.Join(storePath, "audit.log"))
	}

	cliContext = &CLIContext{
		UserID:    getCurrentUser(),
		SessionID: generateSessionID(),
		Source:    getHostname(),
		StartTime: time.Now(),
	}

	var err error
	auditLogger, err = createAuditLogger()
	if err != nil {
		return fmt.Errorf("failed to create audit logger: %w", err)
	}

	store, err = createStore(viper.GetString("store.type"))
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}

	options := buildOptions()

	hierarchy, err = checktick.NewKeyHierarchy(store, auditLogger, options)
	if err != nil {
		return fmt.Errorf("failed to create key hierarchy: %w", err)
	}

	engine, err = checktick.NewRecoveryEngine(store, hierarchy, auditLogger, createNotifier(), options)
	if err != nil {
		return fmt.Errorf("failed to create recovery engine: %w", err)
	}

	return nil
}

func buildOptions() checktick.Options {
	options := checktick.DefaultOptions()
	if d := viper.GetDuration("recovery.delay"); d > 0 {
		options.RecoveryDelay = d
	}
	if d := viper.GetDuration("recovery.verification_expiry"); d > 0 {
		options.VerificationExpiry = d
	}
	if n := viper.GetInt("recovery.max_verification_attempts"); n > 0 {
		options.MaxVerificationAttempts = n
	}
	options.AdminRecipients = viper.GetStringSlice("recovery.admin_recipients")
	options.EnableMemoryLock = viper.GetBool("security.memory_lock")
	return options
}

func createAuditLogger() (audit.Logger, error) {
	return audit.NewLogger(&audit.Config{
		Enabled: viper.GetBool("audit.enabled"),
		Type:    audit.ConfigType(viper.GetString("audit.type")),
		Options: map[string]interface{}{
			"file_path":   viper.GetString("audit.options.file_path"),
			"max_size":    viper.GetInt("audit.options.max_size"),
			"max_backups": viper.GetInt("audit.options.max_backups"),
		},
		LogLevel: viper.GetString("audit.log_level"),
	})
}

func createStore(storeType string) (persist.Store, error) {
	switch strings.ToLower(storeType) {
	case "file":
		return persist.NewStore(persist.StoreConfig{
			Type: persist.StoreTypeFileSystem,
			Config: map[string]interface{}{
				"base_path": viper.GetString("store.path"),
			},
		})

	case "vault":
		return persist.NewStore(persist.StoreConfig{
			Type: persist.StoreTypeVault,
			Config: map[string]interface{}{
				"address":    viper.GetString("store.vault.address"),
				"token":      viper.GetString("store.vault.token"),
				"mount_path": viper.GetString("store.vault.mount_path"),
				"base_path":  viper.GetString("store.vault.base_path"),
			},
		})

	case "s3":
		s3Config := map[string]interface{}{
			"endpoint":          viper.GetString("store.s3.endpoint"),
			"access_key_id":     viper.GetString("store.s3.access_key_id"),
			"secret_access_key": viper.GetString("store.s3.secret_access_key"),
			"bucket":            viper.GetString("store.s3.bucket"),
			"key_prefix":        viper.GetString("store.s3.prefix"),
			"use_ssl":           viper.GetBool("store.s3.use_ssl"),
			"region":            viper.GetString("store.s3.region"),
		}
		if err := validateS3Config(); err != nil {
			return nil, fmt.Errorf("invalid S3 configuration: %w", err)
		}
		return persist.NewStore(persist.StoreConfig{
			Type:   persist.StoreTypeS3,
			Config: s3Config,
		})

	default:
		return nil, fmt.Errorf("unsupported store type: %s. Supported types: file, vault, s3", storeType)
	}
}

// createNotifier returns the Postmark notifier when delivery is configured,
// otherwise a stderr logger so operators still see what would be sent.
func createNotifier() notify.Notifier {
	cfg := notify.Config{
		PostmarkServerToken:  viper.GetString("notify.postmark_server_token"),
		PostmarkAccountToken: viper.GetString("notify.postmark_account_token"),
		SenderEmail:          viper.GetString("notify.sender_email"),
		SupportEmail:         viper.GetString("notify.support_email"),
	}
	if cfg.PostmarkServerToken != "" {
		notifier, err := notify.NewPostmarkNotifier(cfg)
		if err == nil {
			return notifier
		}
		fmt.Fprintf(os.Stderr, "Warning: postmark configuration invalid, falling back to log notifier: %v\n", err)
	}
	return notify.NewLogNotifier(os.Stderr)
}

func validateS3Config() error {
	var missing []string

	if viper.GetString("store.s3.bucket") == "" {
		missing = append(missing, "store.s3.bucket")
	}
	if viper.GetString("store.s3.region") == "" {
		missing = append(missing, "store.s3.region")
	}

	hasAccessKey := viper.GetString("store.s3.access_key_id") != ""
	hasSecretKey := viper.GetString("store.s3.secret_access_key") != ""

	if hasAccessKey && !hasSecretKey {
		missing = append(missing, "store.s3.secret_access_key")
	}
	if !hasAccessKey && hasSecretKey {
		missing = append(missing, "store.s3.access_key_id")
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	return nil
}

// Helper function to check if a flag name is sensitive (for logging purposes)
func isSensitiveFlag(name string) bool {
	sensitive := []string{"passphrase", "password", "secret", "key", "token", "share"}
	lower := strings.ToLower(name)
	for _, s := range sensitive {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// getCurrentUser retrieves the username of the currently logged-in user.
// It returns "unknown_user" if the user cannot be determined.
func getCurrentUser() string {
	currentUser, err := user.Current()
	if err != nil {
		envUser := os.Getenv("USER")
		if envUser != "" {
			return envUser
		}
		return "unknown_user"
	}
	return currentUser.Username
}

// generateSessionID creates a new unique session identifier.
// Uses UUID v4.
func generateSessionID() string {
	id := uuid.New()
	return id.String()
}

// getHostname retrieves the hostname of the machine.
// It returns "unknown_host" if the hostname cannot be determined.
func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		log.Printf("Warning: could not get hostname: %v. Falling back to 'unknown_host'.", err)
		return "unknown_host"
	}
	return hostname
}

func auditCmdStart(cmd *cobra.Command, args []string) time.Time {
	now := time.Now()
	err := auditLogger.Log("command_start", true, map[string]interface{}{
		"command":    cmd.CommandPath(),
		"args":       sanitizeArgs(args),
		"flags":      sanitizeFlags(cmd),
		"user_id":    cliContext.UserID,
		"session_id": cliContext.SessionID,
		"source":     cliContext.Source,
	})
	if err != nil {
		log.Printf("ERROR: %v\n", err)
	}
	return now
}

func auditCmdComplete(cmd *cobra.Command, err error, startedTime time.Time) error {
	if auditLogger != nil {
		auditLogger.Log("command_complete", err == nil, map[string]interface{}{
			"command":     cmd.CommandPath(),
			"duration_ms": time.Since(startedTime).Milliseconds(),
			"success":     err == nil,
			"error":       formatError(err),
			"user_id":     cliContext.UserID,
			"session_id":  cliContext.SessionID,
		})
	}
	return err
}

func formatError(err error) string {
	if err == nil {
		return ""
	}

	var messages []string

	// Unwrap the error chain and collect all messages
	for err != nil {
		messages = append(messages, err.Error())
		err = errors.Unwrap(err)
	}

	if len(messages) > 1 {
		uniqueMessages := make([]string, 0, len(messages))
		seen := make(map[string]bool)

		for _, msg := range messages {
			if !seen[msg] {
				uniqueMessages = append(uniqueMessages, msg)
				seen[msg] = true
			}
		}

		if len(uniqueMessages) > 1 {
			return fmt.Sprintf("Error: %s (caused by: %s)",
				uniqueMessages[0],
				strings.Join(uniqueMessages[1:], " -> "))
		}
	}

	message := messages[0]

	if len(message) > 0 {
		first := string(message[0])
		if first != strings.ToUpper(first) {
			message = strings.ToUpper(first) + message[1:]
		}
	}

	return fmt.Sprintf("Error: %s", message)
}

func sanitizeFlags(cmd *cobra.Command) map[string]interface{} {
	flags := make(map[string]interface{})
	cmd.Flags().VisitAll(func(flag *pflag.Flag) {
		if flag.Changed {
			if isSensitiveFlag(flag.Name) {
				flags[flag.Name] = "[REDACTED]"
			} else {
				flags[flag.Name] = flag.Value.String()
			}
		}
	})
	return flags
}

func sanitizeArgs(args []string) []string {
	// Arguments to recovery and platform commands are identifiers, never
	// key material; key components only ever arrive through files.
	sanitized := make([]string, len(args))
	copy(sanitized, args)
	return sanitized
}
