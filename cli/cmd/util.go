package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

func getConfigFilePath(global bool) string {
	if global {
		return "/etc/checktick/config.yaml"
	}

	if cfgFile != "" {
		return cfgFile
	}

	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".checktick.yaml")
}

func ensureConfigDir(configFile string) error {
	dir := filepath.Dir(configFile)
	return os.MkdirAll(dir, 0700)
}

func isValidConfigKey(key string) bool {
	validKeys := []string{
		"store.type",
		"store.path",
		"store.vault.address",
		"store.vault.token",
		"store.vault.mount_path",
		"store.vault.base_path",
		"store.s3.bucket",
		"store.s3.region",
		"store.s3.prefix",
		"store.s3.endpoint",
		"store.s3.access_key_id",
		"store.s3.secret_access_key",
		"store.s3.use_ssl",
		"audit.enabled",
		"audit.type",
		"audit.options.file_path",
		"audit.log_level",
		"recovery.delay",
		"recovery.verification_expiry",
		"recovery.max_verification_attempts",
		"recovery.admin_recipients",
		"notify.postmark_server_token",
		"notify.postmark_account_token",
		"notify.sender_email",
		"notify.support_email",
		"security.memory_lock",
	}

	for _, validKey := range validKeys {
		if key == validKey {
			return true
		}
	}
	return false
}

func getConfigTemplate(template string) map[string]interface{} {
	switch template {
	case "minimal":
		return map[string]interface{}{
			"store": map[string]interface{}{
				"type": "file",
				"path": ".checktick",
			},
		}
	case "full":
		return map[string]interface{}{
			"store": map[string]interface{}{
				"type": "file",
				"path": ".checktick",
				"vault": map[string]interface{}{
					"address":    "",
					"mount_path": "secret",
					"base_path":  "checktick",
				},
				"s3": map[string]interface{}{
					"bucket": "",
					"region": "us-east-1",
					"prefix": "checktick/",
				},
			},
			"audit": map[string]interface{}{
				"enabled": true,
				"type":    "file",
				"options": map[string]interface{}{
					"file_path": "audit.log",
				},
			},
			"recovery": map[string]interface{}{
				"delay":                      "24h",
				"verification_expiry":        "30m",
				"max_verification_attempts":  3,
				"admin_recipients":           []string{},
			},
			"notify": map[string]interface{}{
				"sender_email":  "",
				"support_email": "",
			},
		}
	default: // "default"
		return map[string]interface{}{
			"store": map[string]interface{}{
				"type": "file",
				"path": ".checktick",
			},
			"audit": map[string]interface{}{
				"enabled": true,
				"type":    "file",
				"options": map[string]interface{}{
					"file_path": "audit.log",
				},
			},
			"recovery": map[string]interface{}{
				"delay": "24h",
			},
		}
	}
}

func getConfigKeyDescriptions() map[string]string {
	return map[string]string{
		"store.type":                         "Storage backend type (file, vault, s3)",
		"store.path":                         "Path to key storage (for file store)",
		"store.vault.address":                "HashiCorp Vault address",
		"store.vault.token":                  "HashiCorp Vault token",
		"store.vault.mount_path":             "Vault KV v2 mount path",
		"store.vault.base_path":              "Vault key prefix",
		"store.s3.bucket":                    "S3 bucket name",
		"store.s3.region":                    "S3 region",
		"store.s3.prefix":                    "S3 key prefix",
		"store.s3.endpoint":                  "S3 endpoint URL",
		"store.s3.access_key_id":             "S3 access key ID",
		"store.s3.secret_access_key":         "S3 secret access key",
		"store.s3.use_ssl":                   "Use SSL for S3 connections",
		"audit.enabled":                      "Enable audit logging",
		"audit.type":                         "Audit logger type (file, syslog)",
		"audit.options.file_path":            "Audit log file path",
		"audit.log_level":                    "Audit log level",
		"recovery.delay":                     "Mandatory delay between second approval and key release",
		"recovery.verification_expiry":       "How long an identity challenge stays valid",
		"recovery.max_verification_attempts": "Wrong challenge answers allowed before cancellation",
		"recovery.admin_recipients":          "Administrator emails notified of recovery requests",
		"notify.postmark_server_token":       "Postmark server token for email delivery",
		"notify.postmark_account_token":      "Postmark account token",
		"notify.sender_email":                "From address for recovery emails",
		"notify.support_email":               "Reply-To address for recovery emails",
		"security.memory_lock":               "Lock process memory against swapping",
	}
}

// contains checks if a string slice contains a specific string
func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// printConfigTable prints configuration in table format
func printConfigTable() error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "KEY\tVALUE\tSOURCE")
	fmt.Fprintln(w, "---\t-----\t------")

	settings := viper.AllSettings()
	var keys []string

	flattenKeys(settings, "", &keys)
	sort.Strings(keys)

	for _, key := range keys {
		value := viper.Get(key)
		source := "default"
		if viper.ConfigFileUsed() != "" {
			source = filepath.Base(viper.ConfigFileUsed())
		}

		envKey := strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if os.Getenv("CHECKTICK_"+envKey) != "" {
			source = "environment"
		}

		if isSensitiveConfigKey(key) {
			value = "[REDACTED]"
		}

		fmt.Fprintf(w, "%s\t%v\t%s\n", key, value, source)
	}

	return nil
}

// printConfigJSON prints configuration in JSON format
func printConfigJSON() error {
	config := viper.AllSettings()
	maskSensitiveValues(config)

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config to JSON: %w", err)
	}

	fmt.Println(string(data))
	return nil
}

// printConfigYAML prints configuration in YAML format
func printConfigYAML() error {
	config := viper.AllSettings()
	maskSensitiveValues(config)

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	fmt.Print(string(data))
	return nil
}

// printConfigKeysTable prints available configuration keys in table format
func printConfigKeysTable(keys map[string]string) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "KEY\tDESCRIPTION")
	fmt.Fprintln(w, "---\t-----------")

	sortedKeys := make([]string, 0, len(keys))
	for key := range keys {
		sortedKeys = append(sortedKeys, key)
	}
	sort.Strings(sortedKeys)

	for _, key := range sortedKeys {
		fmt.Fprintf(w, "%s\t%s\n", key, keys[key])
	}

	return nil
}

// printConfigKeysYAML prints available configuration keys in YAML format
func printConfigKeysYAML(keys map[string]string) error {
	data, err := yaml.Marshal(keys)
	if err != nil {
		return fmt.Errorf("failed to marshal keys to YAML: %w", err)
	}

	fmt.Print(string(data))
	return nil
}

// printConfigKeysJSON prints available configuration keys in JSON format
func printConfigKeysJSON(keys map[string]string) error {
	data, err := json.MarshalIndent(keys, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal keys to JSON: %w", err)
	}

	fmt.Println(string(data))
	return nil
}

// flattenKeys recursively flattens nested maps into dot-notation keys
func flattenKeys(m map[string]interface{}, prefix string, keys *[]string) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}

		if nested, ok := v.(map[string]interface{}); ok {
			flattenKeys(nested, key, keys)
		} else {
			*keys = append(*keys, key)
		}
	}
}

// isSensitiveConfigKey checks if a configuration key contains sensitive data
func isSensitiveConfigKey(key string) bool {
	sensitiveKeys := []string{"passphrase", "password", "secret", "key", "token", "auth"}
	lowerKey := strings.ToLower(key)

	for _, sensitive := range sensitiveKeys {
		if strings.Contains(lowerKey, sensitive) {
			return true
		}
	}
	return false
}

// maskSensitiveValues recursively masks sensitive values in configuration
func maskSensitiveValues(config map[string]interface{}) {
	for key, value := range config {
		if isSensitiveConfigKey(key) {
			config[key] = "[REDACTED]"
		} else if nested, ok := value.(map[string]interface{}); ok {
			maskSensitiveValues(nested)
		}
	}
}

// convertValue attempts to convert a string value to its most appropriate type
func convertValue(value string) interface{} {
	switch strings.ToLower(value) {
	case "true", "yes", "on":
		return true
	case "false", "no", "off":
		return false
	}

	if intVal, err := strconv.Atoi(value); err == nil {
		return intVal
	}

	if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
		return floatVal
	}

	return value
}

// validateConfigValue validates a configuration value based on its key
func validateConfigValue(key string, value interface{}) error {
	switch key {
	case "store.type":
		validTypes := []string{"file", "vault", "s3"}
		if str, ok := value.(string); ok {
			if !contains(validTypes, str) {
				return fmt.Errorf("invalid store type: %s (valid: %s)", str, strings.Join(validTypes, ", "))
			}
		}
	case "audit.type":
		validTypes := []string{"file", "syslog"}
		if str, ok := value.(string); ok {
			if !contains(validTypes, str) {
				return fmt.Errorf("invalid audit type: %s (valid: %s)", str, strings.Join(validTypes, ", "))
			}
		}
	case "recovery.max_verification_attempts":
		if num, ok := value.(int); ok {
			if num < 1 {
				return fmt.Errorf("max verification attempts must be positive")
			}
		}
	}
	return nil
}
