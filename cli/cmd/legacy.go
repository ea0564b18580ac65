package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	familyvault "github.com/BradMann09/FamilyVault"
	"github.com/spf13/cobra"
)

var legacyCmd = &cobra.Command{
	Use:   "legacy",
	Short: "Manage legacy access to a vault",
	Long: `Legacy access lets legacy contacts open a vault once enough members or backup
contacts have confirmed the request and the policy's time lock has passed.`,
}

var legacyScheduleCmd = &cobra.Command{
	Use:   "schedule <vault-id>",
	Short: "Open a legacy access request",
	Long:  `Open a legacy access request. Any earlier confirmations are discarded.`,
	Args:  cobra.ExactArgs(1),
	RunE:  audited(runLegacySchedule),
}

var legacyConfirmCmd = &cobra.Command{
	Use:   "confirm <vault-id>",
	Short: "Confirm a legacy access request as the --as member",
	Args:  cobra.ExactArgs(1),
	RunE:  audited(runLegacyConfirm),
}

var legacyStatusCmd = &cobra.Command{
	Use:   "status <vault-id>",
	Short: "Show the legacy access state",
	Args:  cobra.ExactArgs(1),
	RunE:  runLegacyStatus,
}

var legacyCancelCmd = &cobra.Command{
	Use:   "cancel <vault-id>",
	Short: "Cancel legacy access (owner only)",
	Args:  cobra.ExactArgs(1),
	RunE:  audited(runLegacyCancel),
}

func init() {
	rootCmd.AddCommand(legacyCmd)
	legacyCmd.AddCommand(legacyScheduleCmd, legacyConfirmCmd, legacyStatusCmd, legacyCancelCmd)
}

func runLegacySchedule(cmd *cobra.Command, args []string) error {
	s, err := openServices(cmd.Context())
	if err != nil {
		return err
	}
	state, err := s.legacy.ScheduleLegacyAccessCheck(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return printLegacyState(state)
}

// confirmer resolves the --as member. Backup contacts need not belong to the
// vault, so the profile is used when there is no membership.
func confirmer(cmd *cobra.Command, s *services, vaultID string) (familyvault.Member, error) {
	m, err := actor()
	if err != nil {
		return m, err
	}
	vault, err := s.vault.FetchVault(cmd.Context(), vaultID)
	if err != nil {
		return m, err
	}
	if member, ok := vault.Member(m.ID()); ok {
		return member, nil
	}
	if profile, err := loadProfile(m.ID()); err == nil {
		m.Profile = profile
	}
	return m, nil
}

func runLegacyConfirm(cmd *cobra.Command, args []string) error {
	s, err := openServices(cmd.Context())
	if err != nil {
		return err
	}
	member, err := confirmer(cmd, s, args[0])
	if err != nil {
		return err
	}
	state, err := s.legacy.ConfirmLegacyAccess(cmd.Context(), args[0], member)
	if err != nil {
		return err
	}
	return printLegacyState(state)
}

func runLegacyStatus(cmd *cobra.Command, args []string) error {
	s, err := openServices(cmd.Context())
	if err != nil {
		return err
	}
	state, err := s.legacy.LegacyAccessStatus(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return printLegacyState(state)
}

func runLegacyCancel(cmd *cobra.Command, args []string) error {
	owner, err := actor()
	if err != nil {
		return err
	}
	s, err := openServices(cmd.Context())
	if err != nil {
		return err
	}
	if err = s.legacy.CancelLegacyAccess(cmd.Context(), args[0], owner); err != nil {
		return err
	}
	fmt.Printf("Legacy access for vault %s cancelled\n", args[0])
	return nil
}

func printLegacyState(state familyvault.LegacyAccessState) error {
	return printOutput(state, func(w *tabwriter.Writer) {
		quorum := max(1, state.Policy.RequiredConfirmations)
		fmt.Fprintf(w, "Vault:\t%s\n", state.VaultID)
		fmt.Fprintf(w, "Phase:\t%s\n", state.Phase)
		fmt.Fprintf(w, "Confirmations:\t%d of %d\n", state.Confirmations, quorum)
		fmt.Fprintf(w, "Unlocked:\t%t\n", state.IsUnlocked)
		if !state.ScheduledAt.IsZero() {
			fmt.Fprintf(w, "Requested:\t%s\n", state.ScheduledAt.Local().Format(time.DateTime))
			fmt.Fprintf(w, "Unlocks after:\t%s\n", state.UnlocksAfter.Local().Format(time.DateTime))
		}
	})
}
