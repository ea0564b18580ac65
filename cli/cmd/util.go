package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/BradMann09/FamilyVault/config"
	"github.com/BradMann09/FamilyVault/internal/fsutil"
	"github.com/BradMann09/FamilyVault/internal/misc"
	"github.com/awnumar/memguard"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

func getConfigFilePath(global bool) string {
	if global {
		return filepath.Join("/etc/familyvault", config.FileName+".yaml")
	}
	if cfgFile != "" {
		return cfgFile
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, config.FileName+".yaml")
}

func ensureConfigDir(configFile string) error {
	return os.MkdirAll(filepath.Dir(configFile), misc.DirPermissions)
}

// applyDataDir moves every local path under dir. Paths set in the config file
// or the environment win.
func applyDataDir(v *viper.Viper, dir string) {
	paths := map[string]string{
		"audit.path":                     "audit.log",
		"storage.local.config.base_path": "blobs",
		"repository.path":                "vaults.db",
		"keys.keystore.path":             "keys",
		"keys.wrapped.path":              "wrapped",
		"profiles.path":                  "profiles",
	}
	for key, name := range paths {
		env := config.EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if _, ok := os.LookupEnv(env); ok || v.InConfig(key) {
			continue
		}
		v.Set(key, filepath.Join(dir, name))
	}
}

// secretFromEnv moves the value of an environment variable into a locked buffer
func secretFromEnv(name string) (*memguard.LockedBuffer, error) {
	value := os.Getenv(name)
	if value == "" {
		return nil, fmt.Errorf("environment variable %s is not set", name)
	}
	return memguard.NewBufferFromBytes([]byte(value)), nil
}

// readInput reads path, or standard input when path is "-"
func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

// writeOutput writes data to path with owner only permissions, or to standard
// output when path is empty or "-"
func writeOutput(path string, data []byte) error {
	if path == "" || path == "-" {
		_, err := os.Stdout.Write(data)
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), misc.DirPermissions); err != nil {
		return err
	}
	return fsutil.WriteSecureFile(path, data, misc.FilePermissions)
}

// printOutput renders v in the format chosen by --output. table draws the
// table form.
func printOutput(v interface{}, table func(w *tabwriter.Writer)) error {
	switch strings.ToLower(outputFmt) {
	case "json":
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal output to JSON: %w", err)
		}
		fmt.Println(string(data))
	case "yaml":
		data, err := yaml.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to marshal output to YAML: %w", err)
		}
		fmt.Print(string(data))
	case "table", "":
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		table(w)
		return w.Flush()
	default:
		return fmt.Errorf("unsupported output format: %s", outputFmt)
	}
	return nil
}

func readConfigMap(path string) (map[string]interface{}, error) {
	settings := make(map[string]interface{})
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return settings, nil
	}
	if err != nil {
		return nil, err
	}
	if err = yaml.Unmarshal(data, &settings); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return settings, nil
}

func writeConfigMap(path string, settings map[string]interface{}) error {
	data, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err = ensureConfigDir(path); err != nil {
		return err
	}
	return fsutil.WriteSecureFile(path, data, misc.FilePermissions)
}

func setNestedKey(settings map[string]interface{}, key string, value interface{}) {
	parts := strings.Split(key, ".")
	current := settings
	for _, part := range parts[:len(parts)-1] {
		next, ok := current[part].(map[string]interface{})
		if !ok {
			next = make(map[string]interface{})
			current[part] = next
		}
		current = next
	}
	current[parts[len(parts)-1]] = value
}

func unsetNestedKey(settings map[string]interface{}, key string) error {
	parts := strings.Split(key, ".")
	current := settings
	for i, part := range parts[:len(parts)-1] {
		next, ok := current[part].(map[string]interface{})
		if !ok {
			return fmt.Errorf("key path not found at %s", strings.Join(parts[:i+1], "."))
		}
		current = next
	}
	delete(current, parts[len(parts)-1])
	return nil
}

// convertValue converts a command line value to its most appropriate type
func convertValue(value string) interface{} {
	switch strings.ToLower(value) {
	case "true", "yes", "on":
		return true
	case "false", "no", "off":
		return false
	case "null", "nil":
		return nil
	}
	if intVal, err := strconv.Atoi(value); err == nil {
		return intVal
	}
	if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
		return floatVal
	}
	return value
}

// configKeys lists every key of the default configuration
func configKeys() []string {
	v := viper.New()
	config.SetDefaults(v)
	var keys []string
	flattenKeys(v.AllSettings(), "", &keys)
	sort.Strings(keys)
	return keys
}

func isValidConfigKey(key string) bool {
	for _, k := range configKeys() {
		if k == key || strings.HasPrefix(key, k+".") || strings.HasPrefix(k, key+".") {
			return true
		}
	}
	// remote store settings are free form
	return strings.HasPrefix(key, "storage.remote.")
}

// flattenKeys recursively flattens nested maps into dot-notation keys
func flattenKeys(m map[string]interface{}, prefix string, keys *[]string) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]interface{}); ok && len(nested) > 0 {
			flattenKeys(nested, key, keys)
		} else {
			*keys = append(*keys, key)
		}
	}
}

// isSensitiveConfigKey checks if a configuration key contains sensitive data
func isSensitiveConfigKey(key string) bool {
	sensitiveKeys := []string{"passphrase", "password", "secret", "token", "credentials", "access_key"}
	lowerKey := strings.ToLower(key)
	for _, sensitive := range sensitiveKeys {
		if strings.Contains(lowerKey, sensitive) && !strings.HasSuffix(lowerKey, "_env") {
			return true
		}
	}
	return false
}

// maskSensitiveValues recursively masks sensitive values in configuration
func maskSensitiveValues(settings map[string]interface{}) {
	for key, value := range settings {
		if isSensitiveConfigKey(key) {
			settings[key] = "[REDACTED]"
		} else if nested, ok := value.(map[string]interface{}); ok {
			maskSensitiveValues(nested)
		}
	}
}

// getDefaultEditor returns the default text editor for the current platform
func getDefaultEditor() string {
	if editor := os.Getenv("EDITOR"); editor != "" {
		return editor
	}
	if visual := os.Getenv("VISUAL"); visual != "" {
		return visual
	}

	editors := []string{"nano", "vim", "vi", "emacs", "code"}
	fallback := "vi"
	switch runtime.GOOS {
	case "windows":
		editors = []string{"notepad++.exe", "notepad.exe", "code.exe"}
		fallback = "notepad.exe"
	case "darwin":
		editors = []string{"code", "nano", "vim", "vi"}
		fallback = "nano"
	}
	for _, editor := range editors {
		if _, err := exec.LookPath(editor); err == nil {
			return editor
		}
	}
	return fallback
}

// executeEditor launches the specified editor with the given file
func executeEditor(editor, file string) error {
	var cmd *exec.Cmd
	if strings.Contains(editor, "code") {
		cmd = exec.Command(editor, "--wait", file)
	} else {
		cmd = exec.Command(editor, file)
	}
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// promptConfirmation prompts the user for yes/no confirmation
func promptConfirmation(message string) bool {
	fmt.Printf("%s (y/N): ", message)
	var response string
	_, _ = fmt.Scanln(&response)
	response = strings.ToLower(strings.TrimSpace(response))
	return response == "y" || response == "yes"
}

func fileExists(filename string) bool {
	_, err := os.Stat(filename)
	return !os.IsNotExist(err)
}
