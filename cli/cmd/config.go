package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/BradMann09/FamilyVault/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage FamilyVault configuration",
	Long:  `Manage FamilyVault configuration including viewing, setting, and validating settings.`,
}

var configViewCmd = &cobra.Command{
	Use:   "view",
	Short: "View current configuration",
	Long:  `Display the effective configuration from all sources (config file, environment variables, flags).`,
	RunE:  runConfigView,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  `Set a configuration value in the config file. The key uses dot notation (e.g., vault.codec).`,
	Args:  cobra.ExactArgs(2),
	RunE:  runConfigSet,
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a configuration value",
	Args:  cobra.ExactArgs(1),
	RunE:  runConfigGet,
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a configuration value from the config file",
	Args:  cobra.ExactArgs(1),
	RunE:  runConfigUnset,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a new configuration file",
	Long:  `Create a new configuration file holding every default value.`,
	RunE:  runConfigInit,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration",
	Long:  `Validate the effective configuration and report every problem found.`,
	RunE:  runConfigValidate,
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all configuration keys",
	RunE:  runConfigList,
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Edit configuration file",
	Long:  `Open the configuration file in the default editor and validate it afterwards.`,
	RunE:  runConfigEdit,
}

var (
	configForce  bool
	configGlobal bool
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configViewCmd, configSetCmd, configGetCmd, configUnsetCmd,
		configInitCmd, configValidateCmd, configListCmd, configEditCmd)

	configInitCmd.Flags().BoolVar(&configForce, "force", false, "overwrite an existing config file")
	for _, c := range []*cobra.Command{configSetCmd, configUnsetCmd, configInitCmd, configEditCmd} {
		c.Flags().BoolVar(&configGlobal, "global", false, "use the system wide config file")
	}
}

func runConfigView(cmd *cobra.Command, args []string) error {
	settings := viper.AllSettings()
	maskSensitiveValues(settings)

	return printOutput(settings, func(w *tabwriter.Writer) {
		fmt.Fprintln(w, "KEY\tVALUE\tSOURCE")
		fmt.Fprintln(w, "---\t-----\t------")

		var keys []string
		flattenKeys(viper.AllSettings(), "", &keys)
		sort.Strings(keys)
		for _, key := range keys {
			value := viper.Get(key)
			source := "default"
			if viper.InConfig(key) {
				source = filepath.Base(viper.ConfigFileUsed())
			}
			envKey := config.EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
			if _, ok := os.LookupEnv(envKey); ok {
				source = "environment"
			}
			if isSensitiveConfigKey(key) {
				value = "[REDACTED]"
			}
			fmt.Fprintf(w, "%s\t%v\t%s\n", key, value, source)
		}
	})
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key, value := args[0], args[1]
	if !isValidConfigKey(key) {
		return fmt.Errorf("unknown configuration key: %s (see 'familyvault config list')", key)
	}

	path := getConfigFilePath(configGlobal)
	settings, err := readConfigMap(path)
	if err != nil {
		return err
	}
	setNestedKey(settings, key, convertValue(value))

	if err = validateSettings(settings); err != nil {
		return err
	}
	if err = writeConfigMap(path, settings); err != nil {
		return err
	}
	fmt.Printf("Set %s in %s\n", key, path)
	return nil
}

func runConfigGet(cmd *cobra.Command, args []string) error {
	key := args[0]
	if !viper.IsSet(key) {
		return fmt.Errorf("configuration key not set: %s", key)
	}
	value := viper.Get(key)
	if isSensitiveConfigKey(key) {
		value = "[REDACTED]"
	}
	fmt.Println(value)
	return nil
}

func runConfigUnset(cmd *cobra.Command, args []string) error {
	path := getConfigFilePath(configGlobal)
	settings, err := readConfigMap(path)
	if err != nil {
		return err
	}
	if err = unsetNestedKey(settings, args[0]); err != nil {
		return err
	}
	if err = writeConfigMap(path, settings); err != nil {
		return err
	}
	fmt.Printf("Removed %s from %s\n", args[0], path)
	return nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := getConfigFilePath(configGlobal)
	if fileExists(path) && !configForce {
		return fmt.Errorf("config file already exists: %s (use --force to overwrite)", path)
	}

	data, err := yaml.Marshal(config.Default())
	if err != nil {
		return fmt.Errorf("failed to marshal default config: %w", err)
	}
	settings := make(map[string]interface{})
	if err = yaml.Unmarshal(data, &settings); err != nil {
		return err
	}
	if err = writeConfigMap(path, settings); err != nil {
		return err
	}
	fmt.Printf("Configuration written to %s\n", path)
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	if _, err := config.Load(viper.GetViper()); err != nil {
		fmt.Println("Configuration is invalid:")
		for _, line := range strings.Split(err.Error(), "\n") {
			fmt.Printf("  - %s\n", line)
		}
		return fmt.Errorf("configuration validation failed")
	}
	fmt.Println("Configuration is valid")
	return nil
}

func runConfigList(cmd *cobra.Command, args []string) error {
	v := viper.New()
	config.SetDefaults(v)
	keys := configKeys()
	defaults := make(map[string]interface{}, len(keys))
	for _, key := range keys {
		defaults[key] = v.Get(key)
	}

	return printOutput(defaults, func(w *tabwriter.Writer) {
		fmt.Fprintln(w, "KEY\tDEFAULT")
		fmt.Fprintln(w, "---\t-------")
		for _, key := range keys {
			fmt.Fprintf(w, "%s\t%v\n", key, defaults[key])
		}
	})
}

func runConfigEdit(cmd *cobra.Command, args []string) error {
	path := getConfigFilePath(configGlobal)
	if !fileExists(path) {
		if err := runConfigInit(cmd, args); err != nil {
			return err
		}
	}

	if err := executeEditor(getDefaultEditor(), path); err != nil {
		return fmt.Errorf("failed to run editor: %w", err)
	}

	settings, err := readConfigMap(path)
	if err != nil {
		return err
	}
	if err = validateSettings(settings); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %s\n", formatError(err))
	}
	return nil
}

// validateSettings checks settings layered over the defaults
func validateSettings(settings map[string]interface{}) error {
	v := viper.New()
	config.SetDefaults(v)
	if err := v.MergeConfigMap(settings); err != nil {
		return err
	}
	_, err := config.Load(v)
	return err
}
