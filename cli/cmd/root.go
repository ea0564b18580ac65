package cmd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/user"
	"strings"
	"time"

	familyvault "github.com/BradMann09/FamilyVault"
	"github.com/BradMann09/FamilyVault/audit"
	"github.com/BradMann09/FamilyVault/config"
	"github.com/BradMann09/FamilyVault/internal/logging"
	"github.com/BradMann09/FamilyVault/internal/mem"
	"github.com/BradMann09/FamilyVault/keys"
	"github.com/BradMann09/FamilyVault/persist"
	"github.com/BradMann09/FamilyVault/repository"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile     string
	actAs       string
	outputFmt   string
	cfg         *config.Config
	logger      *zap.Logger
	auditLogger audit.Logger
	cliContext  *CLIContext
	rt          *services
)

type CLIContext struct {
	UserID    string
	SessionID string
	Source    string // hostname
	StartTime time.Time
}

// services holds the backends opened for one command
type services struct {
	repo     repository.Repository
	store    *persist.Coordinator
	keys     *keys.KeyManager
	vault    *familyvault.VaultService
	legacy   *familyvault.LegacyAccessManager
	memLevel mem.Level
}

var rootCmd = &cobra.Command{
	Use:   "familyvault",
	Short: "Encrypted family document vault",
	Long: `FamilyVault keeps a family's important documents sealed with per item keys.
Vaults are shared between members with role based capabilities, and a legacy
contact can be granted access after a quorum of confirmations and a time lock.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initializeCLI,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	// cobra skips post run hooks after a failed command
	err := errors.Join(rootCmd.ExecuteContext(context.Background()), shutdownCLI())
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", formatError(err))
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.familyvault.yaml)")
	rootCmd.PersistentFlags().StringVar(&actAs, "as", "", "member id to act as")
	rootCmd.PersistentFlags().StringVarP(&outputFmt, "output", "o", "table", "output format (table, json, yaml)")

	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "log format (console, json)")
	rootCmd.PersistentFlags().String("data-dir", "", "base directory for local state")
	rootCmd.PersistentFlags().String("remote", "", "remote blob store type (s3, firestore)")
	rootCmd.PersistentFlags().String("remote-write", "", "remote write policy (best-effort, strict)")

	bindFlagOrPanic("log.level", "log-level")
	bindFlagOrPanic("log.format", "log-format")
	bindFlagOrPanic("storage.remote.type", "remote")
	bindFlagOrPanic("storage.remote_write", "remote-write")

	// S3 remote flags
	rootCmd.PersistentFlags().String("s3-endpoint", "", "S3 endpoint host:port")
	rootCmd.PersistentFlags().String("s3-region", "", "S3 region")
	rootCmd.PersistentFlags().String("s3-bucket", "", "S3 bucket name")
	rootCmd.PersistentFlags().String("s3-prefix", "", "S3 key prefix")
	rootCmd.PersistentFlags().String("s3-access-key", "", "S3 access key ID")
	rootCmd.PersistentFlags().String("s3-secret-key", "", "S3 secret access key")
	rootCmd.PersistentFlags().Bool("s3-use-ssl", true, "use TLS for S3 connections")

	bindFlagOrPanic("storage.remote.config.endpoint", "s3-endpoint")
	bindFlagOrPanic("storage.remote.config.region", "s3-region")
	bindFlagOrPanic("storage.remote.config.bucket", "s3-bucket")
	bindFlagOrPanic("storage.remote.config.key_prefix", "s3-prefix")
	bindFlagOrPanic("storage.remote.config.access_key_id", "s3-access-key")
	bindFlagOrPanic("storage.remote.config.secret_access_key", "s3-secret-key")
	bindFlagOrPanic("storage.remote.config.use_ssl", "s3-use-ssl")
}

func bindFlagOrPanic(configKey, flagName string) {
	if err := viper.BindPFlag(configKey, rootCmd.PersistentFlags().Lookup(flagName)); err != nil {
		panic(fmt.Sprintf("failed to bind %s flag: %v", flagName, err))
	}
}

func initConfig() {
	config.Configure(viper.GetViper())

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/familyvault")
		viper.SetConfigType("yaml")
		viper.SetConfigName(config.FileName)
	}

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			fmt.Fprintf(os.Stderr, "Error reading config file: %v\n", err)
		}
	} else if os.Getenv("DEBUG") == "true" {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}

	if dir, _ := rootCmd.PersistentFlags().GetString("data-dir"); dir != "" {
		applyDataDir(viper.GetViper(), dir)
	}
}

// skipsInitialization reports whether cmd runs without a loaded configuration
func skipsInitialization(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		switch c.Name() {
		case "help", "completion", "__complete", "config":
			return true
		}
	}
	return false
}

func initializeCLI(cmd *cobra.Command, args []string) error {
	if skipsInitialization(cmd) {
		return nil
	}

	var err error
	cfg, err = config.Load(viper.GetViper())
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err = logging.New(cfg.Log)
	if err != nil {
		return err
	}

	auditLogger, err = audit.NewLogger(&cfg.Audit, logger)
	if err != nil {
		return fmt.Errorf("failed to create audit logger: %w", err)
	}

	cliContext = &CLIContext{
		UserID:    getCurrentUser(),
		SessionID: uuid.NewString(),
		Source:    getHostname(),
		StartTime: time.Now(),
	}
	return nil
}

func shutdownCLI() error {
	var errs []error
	if rt != nil {
		errs = append(errs, rt.Close())
		rt = nil
	}
	if auditLogger != nil {
		errs = append(errs, auditLogger.Close())
		auditLogger = nil
	}
	if logger != nil {
		// stderr sync fails with EINVAL on some platforms
		_ = logger.Sync()
	}
	return errors.Join(errs...)
}

// openServices connects every backend named by the configuration. Commands
// call it lazily so config and audit commands work without a keystore.
func openServices(ctx context.Context) (*services, error) {
	if rt != nil {
		return rt, nil
	}

	s := &services{}
	level, err := mem.Lock()
	if err != nil {
		logger.Warn("memory locking failed", zap.Error(err))
	}
	s.memLevel = level

	if s.repo, err = repository.New(ctx, cfg.Repository, logger); err != nil {
		return nil, fmt.Errorf("failed to open vault repository: %w", err)
	}

	if s.store, err = persist.NewCoordinatorFromConfig(ctx, cfg.Storage.Local, cfg.Storage.Remote, cfg.RemoteWritePolicy(), logger); err != nil {
		_ = s.repo.Close()
		return nil, fmt.Errorf("failed to open blob store: %w", err)
	}

	if s.keys, err = openKeyManager(); err != nil {
		_ = s.Close()
		return nil, err
	}

	options, err := cfg.Options()
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	if s.vault, err = familyvault.NewVaultService(options, s.repo, s.store, s.keys, auditLogger, logger); err != nil {
		_ = s.Close()
		return nil, err
	}
	s.legacy = s.vault.LegacyAccess()

	logger.Debug("services opened",
		zap.String("repository", string(cfg.Repository.Type)),
		zap.String("store", s.store.GetType()),
		zap.Stringer("memory_protection", s.memLevel))

	rt = s
	return s, nil
}

func openKeyManager() (*keys.KeyManager, error) {
	keystore, err := keys.NewKeystore(cfg.Keys.Keystore)
	if err != nil {
		return nil, fmt.Errorf("failed to open keystore: %w", err)
	}
	wrapped, err := keys.NewWrappedKeyStore(cfg.Keys.Wrapped)
	if err != nil {
		return nil, fmt.Errorf("failed to open wrapped key store: %w", err)
	}
	scheme, err := keys.ParseScheme(cfg.Keys.Scheme)
	if err != nil {
		return nil, err
	}
	return keys.NewKeyManager(keystore, wrapped, scheme, logger)
}

func (s *services) Close() error {
	var errs []error
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	if s.repo != nil {
		errs = append(errs, s.repo.Close())
	}
	if s.memLevel == mem.LevelFull {
		errs = append(errs, mem.Unlock())
	}
	return errors.Join(errs...)
}

// actor is the member named by --as. The service resolves the role from the
// vault's stored membership.
func actor() (familyvault.Member, error) {
	if actAs == "" {
		return familyvault.Member{}, errors.New("--as <member-id> is required")
	}
	return familyvault.Member{Profile: familyvault.UserProfile{ID: actAs}}, nil
}

// audited wraps a command so its start and completion are recorded
func audited(run func(cmd *cobra.Command, args []string) error) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		started := auditCmdStart(cmd, args)
		return auditCmdComplete(cmd, run(cmd, args), started)
	}
}

// isSensitiveFlag reports whether a flag value must not be recorded
func isSensitiveFlag(name string) bool {
	sensitive := []string{"passphrase", "password", "secret", "token", "access-key"}
	lower := strings.ToLower(name)
	for _, s := range sensitive {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// getCurrentUser returns the OS user running the CLI, or "unknown_user".
func getCurrentUser() string {
	currentUser, err := user.Current()
	if err != nil {
		log.Printf("Warning: could not get current user: %v. Falling back to 'unknown_user'.", err)
		if envUser := os.Getenv("USER"); envUser != "" {
			return envUser
		}
		return "unknown_user"
	}
	return currentUser.Username
}

// getHostname returns the machine hostname, or "unknown_host".
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
	if auditLogger == nil || cliContext == nil {
		return now
	}
	err := auditLogger.Record(audit.Event{
		Actor:   actAs,
		Action:  "command_start",
		Success: true,
		Metadata: map[string]interface{}{
			"command":    cmd.CommandPath(),
			"args":       args,
			"flags":      sanitizeFlags(cmd),
			"os_user":    cliContext.UserID,
			"session_id": cliContext.SessionID,
			"source":     cliContext.Source,
		},
	})
	if err != nil {
		logger.Warn("failed to record audit event", zap.Error(err))
	}
	return now
}

func auditCmdComplete(cmd *cobra.Command, err error, startedTime time.Time) error {
	if auditLogger == nil || cliContext == nil {
		return err
	}
	event := audit.Event{
		Actor:   actAs,
		Action:  "command_complete",
		Success: err == nil,
		Metadata: map[string]interface{}{
			"command":     cmd.CommandPath(),
			"duration_ms": time.Since(startedTime).Milliseconds(),
			"session_id":  cliContext.SessionID,
		},
	}
	if err != nil {
		event.Error = err.Error()
	}
	if aerr := auditLogger.Record(event); aerr != nil {
		logger.Warn("failed to record audit event", zap.Error(aerr))
	}
	return err
}

// formatError renders an error chain as "Error: outer (caused by: inner -> ...)"
func formatError(err error) string {
	if err == nil {
		return ""
	}

	var messages []string
	seen := make(map[string]bool)
	for e := err; e != nil; e = errors.Unwrap(e) {
		msg := e.Error()
		if !seen[msg] {
			messages = append(messages, msg)
			seen[msg] = true
		}
	}

	message := messages[0]
	if message == "" {
		return "Error: unknown error"
	}
	if first := message[:1]; first != strings.ToUpper(first) {
		message = strings.ToUpper(first) + message[1:]
	}
	if len(messages) > 1 {
		last := messages[len(messages)-1]
		if last != messages[0] && !strings.HasSuffix(messages[0], last) {
			return fmt.Sprintf("Error: %s (caused by: %s)", message, last)
		}
	}
	return "Error: " + message
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
