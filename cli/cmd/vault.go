package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	familyvault "github.com/BradMann09/FamilyVault"
	"github.com/spf13/cobra"
	"github.com/tidwall/jsonc"
)

// DefaultBackupPassphraseEnv holds the export passphrase unless --passphrase-env says otherwise
const DefaultBackupPassphraseEnv = "FAMILYVAULT_BACKUP_PASSPHRASE"

var vaultCmd = &cobra.Command{
	Use:   "vault",
	Short: "Create, share and back up vaults",
}

var vaultCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a vault owned by a profile",
	Long: `Create a vault owned by a profile. The access policy starts from the defaults
and can be replaced with --policy, a JSON file that may contain comments, then
adjusted with the individual flags.`,
	Example: `  familyvault vault create --name "Smith Family" --owner <profile-id>
  familyvault vault create --name Estate --owner <profile-id> --quorum 3 --time-lock 720h`,
	RunE: audited(runVaultCreate),
}

var vaultListCmd = &cobra.Command{
	Use:   "list",
	Short: "List vaults",
	RunE:  runVaultList,
}

var vaultShowCmd = &cobra.Command{
	Use:   "show <vault-id>",
	Short: "Show a vault, its members and its policy",
	Args:  cobra.ExactArgs(1),
	RunE:  runVaultShow,
}

var vaultInviteCmd = &cobra.Command{
	Use:   "invite <vault-id>",
	Short: "Add a profile to a vault",
	Long:  `Add a profile to a vault with a role. The member named by --as must be allowed to manage members.`,
	Args:  cobra.ExactArgs(1),
	RunE:  audited(runVaultInvite),
}

var vaultExportCmd = &cobra.Command{
	Use:   "export <vault-id>",
	Short: "Write a passphrase protected backup of a vault",
	Long: `Write a backup of a vault, its items and its wrapped keys, sealed with a
passphrase read from the environment. Only the owner can export.`,
	Args: cobra.ExactArgs(1),
	RunE: audited(runVaultExport),
}

var vaultImportCmd = &cobra.Command{
	Use:   "import <backup-file>",
	Short: "Restore a vault from a backup",
	Args:  cobra.ExactArgs(1),
	RunE:  audited(runVaultImport),
}

var (
	vaultName           string
	vaultOwner          string
	vaultPolicyFile     string
	vaultQuorum         int
	vaultTimeLock       time.Duration
	vaultBackups        []string
	vaultPanicLock      bool
	inviteProfile       string
	inviteRole          string
	exportOut           string
	exportPassphraseEnv string
)

func init() {
	rootCmd.AddCommand(vaultCmd)
	vaultCmd.AddCommand(vaultCreateCmd, vaultListCmd, vaultShowCmd, vaultInviteCmd, vaultExportCmd, vaultImportCmd)

	vaultCreateCmd.Flags().StringVar(&vaultName, "name", "", "vault name")
	vaultCreateCmd.Flags().StringVar(&vaultOwner, "owner", "", "owner profile id")
	vaultCreateCmd.Flags().StringVar(&vaultPolicyFile, "policy", "", "access policy file (JSON with comments)")
	vaultCreateCmd.Flags().IntVar(&vaultQuorum, "quorum", -1, "confirmations required for legacy access")
	vaultCreateCmd.Flags().DurationVar(&vaultTimeLock, "time-lock", -1, "delay between a legacy request and access")
	vaultCreateCmd.Flags().StringSliceVar(&vaultBackups, "backup-contact", nil, "profile ids allowed to confirm legacy access")
	vaultCreateCmd.Flags().BoolVar(&vaultPanicLock, "panic-lock", false, "restrict the vault to its owner")
	_ = vaultCreateCmd.MarkFlagRequired("name")
	_ = vaultCreateCmd.MarkFlagRequired("owner")

	vaultInviteCmd.Flags().StringVar(&inviteProfile, "profile", "", "profile id to invite")
	vaultInviteCmd.Flags().StringVar(&inviteRole, "role", string(familyvault.RoleMember), "role (admin, member, legacyContact)")
	_ = vaultInviteCmd.MarkFlagRequired("profile")

	vaultExportCmd.Flags().StringVar(&exportOut, "out", "", "backup file (default standard output)")
	for _, c := range []*cobra.Command{vaultExportCmd, vaultImportCmd} {
		c.Flags().StringVar(&exportPassphraseEnv, "passphrase-env", DefaultBackupPassphraseEnv, "environment variable holding the backup passphrase")
	}
}

// loadPolicy builds the access policy for a new vault from the defaults, the
// policy file and the individual flags, in that order.
func loadPolicy(cmd *cobra.Command) (familyvault.AccessPolicy, error) {
	policy := familyvault.DefaultAccessPolicy()
	if vaultPolicyFile != "" {
		data, err := readInput(vaultPolicyFile)
		if err != nil {
			return policy, fmt.Errorf("failed to read policy: %w", err)
		}
		if err = json.Unmarshal(jsonc.ToJSON(data), &policy); err != nil {
			return policy, fmt.Errorf("failed to parse policy %s: %w", vaultPolicyFile, err)
		}
	}

	flags := cmd.Flags()
	if flags.Changed("quorum") {
		policy.LegacyRules.RequiredConfirmations = vaultQuorum
	}
	if flags.Changed("time-lock") {
		policy.LegacyRules.TimeLockInterval = int64(vaultTimeLock / time.Second)
	}
	if flags.Changed("backup-contact") {
		policy.LegacyRules.BackupContacts = vaultBackups
	}
	if flags.Changed("panic-lock") {
		policy.PanicLock = vaultPanicLock
	}
	return policy, policy.Validate()
}

func runVaultCreate(cmd *cobra.Command, args []string) error {
	owner, err := loadProfile(vaultOwner)
	if err != nil {
		return err
	}
	policy, err := loadPolicy(cmd)
	if err != nil {
		return err
	}
	s, err := openServices(cmd.Context())
	if err != nil {
		return err
	}

	vault, err := s.vault.CreateVault(cmd.Context(), vaultName, owner, policy)
	if err != nil {
		return err
	}
	return printVault(vault)
}

func runVaultList(cmd *cobra.Command, args []string) error {
	s, err := openServices(cmd.Context())
	if err != nil {
		return err
	}
	vaults, err := s.vault.ListVaults(cmd.Context())
	if err != nil {
		return err
	}

	return printOutput(vaults, func(w *tabwriter.Writer) {
		fmt.Fprintln(w, "ID\tNAME\tOWNER\tMEMBERS\tCREATED")
		fmt.Fprintln(w, "--\t----\t-----\t-------\t-------")
		for _, v := range vaults {
			owner, _ := v.Owner()
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", v.ID, v.Name, owner.Profile.Name,
				len(v.Members), v.CreatedAt.Local().Format(time.DateTime))
		}
	})
}

func runVaultShow(cmd *cobra.Command, args []string) error {
	s, err := openServices(cmd.Context())
	if err != nil {
		return err
	}
	vault, err := s.vault.FetchVault(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return printVault(vault)
}

func printVault(vault familyvault.Vault) error {
	return printOutput(vault, func(w *tabwriter.Writer) {
		rules := vault.Policy.LegacyRules
		fmt.Fprintf(w, "ID:\t%s\n", vault.ID)
		fmt.Fprintf(w, "Name:\t%s\n", vault.Name)
		fmt.Fprintf(w, "Created:\t%s\n", vault.CreatedAt.Local().Format(time.DateTime))
		fmt.Fprintf(w, "Panic lock:\t%t\n", vault.Policy.PanicLock)
		fmt.Fprintf(w, "Legacy quorum:\t%d\n", rules.RequiredConfirmations)
		fmt.Fprintf(w, "Legacy time lock:\t%s\n", time.Duration(rules.TimeLockInterval)*time.Second)
		if len(rules.BackupContacts) > 0 {
			fmt.Fprintf(w, "Backup contacts:\t%s\n", strings.Join(rules.BackupContacts, ", "))
		}
		fmt.Fprintln(w)
		fmt.Fprintln(w, "MEMBER\tNAME\tROLE")
		fmt.Fprintln(w, "------\t----\t----")
		for _, m := range vault.Members {
			fmt.Fprintf(w, "%s\t%s\t%s\n", m.ID(), m.Profile.Name, m.Role)
		}
	})
}

func runVaultInvite(cmd *cobra.Command, args []string) error {
	inviter, err := actor()
	if err != nil {
		return err
	}
	role := familyvault.VaultRole(inviteRole)
	if !role.Valid() || role == familyvault.RoleOwner {
		return fmt.Errorf("invalid role %q", inviteRole)
	}
	profile, err := loadProfile(inviteProfile)
	if err != nil {
		return err
	}
	s, err := openServices(cmd.Context())
	if err != nil {
		return err
	}

	member := familyvault.Member{Profile: profile, Role: role}
	if err = s.vault.InviteBy(cmd.Context(), inviter, member, args[0]); err != nil {
		return err
	}
	fmt.Printf("Invited %s to vault %s as %s\n", profile.Name, args[0], role)
	return nil
}

func runVaultExport(cmd *cobra.Command, args []string) error {
	owner, err := actor()
	if err != nil {
		return err
	}
	passphrase, err := secretFromEnv(exportPassphraseEnv)
	if err != nil {
		return err
	}
	defer passphrase.Destroy()

	s, err := openServices(cmd.Context())
	if err != nil {
		return err
	}
	data, err := s.vault.ExportVault(cmd.Context(), args[0], owner, passphrase.Bytes())
	if err != nil {
		return err
	}
	if err = writeOutput(exportOut, data); err != nil {
		return fmt.Errorf("failed to write backup: %w", err)
	}
	if exportOut != "" && exportOut != "-" {
		fmt.Fprintf(os.Stderr, "Vault %s exported to %s\n", args[0], exportOut)
	}
	return nil
}

func runVaultImport(cmd *cobra.Command, args []string) error {
	data, err := readInput(args[0])
	if err != nil {
		return fmt.Errorf("failed to read backup: %w", err)
	}
	passphrase, err := secretFromEnv(exportPassphraseEnv)
	if err != nil {
		return err
	}
	defer passphrase.Destroy()

	s, err := openServices(cmd.Context())
	if err != nil {
		return err
	}
	vault, err := s.vault.ImportVault(cmd.Context(), data, passphrase.Bytes())
	if errors.Is(err, familyvault.ErrDecryptionFailed) {
		return fmt.Errorf("backup could not be opened, check the passphrase: %w", err)
	}
	if err != nil {
		return err
	}
	fmt.Printf("Imported vault %s (%s)\n", vault.ID, vault.Name)
	return nil
}
