package cmd

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"

	familyvault "github.com/BradMann09/FamilyVault"
	"github.com/BradMann09/FamilyVault/internal/fsutil"
	"github.com/BradMann09/FamilyVault/internal/misc"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Manage member profiles",
	Long: `Profiles are the identities members act as. Creating a profile also creates
its key pair in the configured keystore.`,
}

var profileNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Create a profile and its key pair",
	RunE:  audited(runProfileNew),
}

var profileListCmd = &cobra.Command{
	Use:   "list",
	Short: "List profiles",
	RunE:  runProfileList,
}

var profileShowCmd = &cobra.Command{
	Use:   "show <profile-id>",
	Short: "Show a profile and its public key",
	Args:  cobra.ExactArgs(1),
	RunE:  runProfileShow,
}

var (
	profileName  string
	profileEmail string
)

func init() {
	rootCmd.AddCommand(profileCmd)
	profileCmd.AddCommand(profileNewCmd, profileListCmd, profileShowCmd)

	profileNewCmd.Flags().StringVar(&profileName, "name", "", "display name")
	profileNewCmd.Flags().StringVar(&profileEmail, "email", "", "email address")
	_ = profileNewCmd.MarkFlagRequired("name")
}

type profileView struct {
	familyvault.UserProfile `yaml:",inline"`

	PublicKey string `json:"publicKey,omitempty" yaml:"publicKey,omitempty"`
}

func runProfileNew(cmd *cobra.Command, args []string) error {
	if strings.TrimSpace(profileName) == "" {
		return errors.New("--name cannot be empty")
	}
	s, err := openServices(cmd.Context())
	if err != nil {
		return err
	}

	profile := familyvault.NewUserProfile(profileName, profileEmail)
	public, err := s.keys.PublicKey(cmd.Context(), familyvault.Member{Profile: profile})
	if err != nil {
		return fmt.Errorf("failed to create key pair: %w", err)
	}
	if err = saveProfile(profile); err != nil {
		return err
	}
	logger.Info("profile created", zap.String("profile_id", profile.ID))

	view := profileView{UserProfile: profile, PublicKey: hex.EncodeToString(public)}
	return printOutput(view, func(w *tabwriter.Writer) {
		printProfile(w, view)
	})
}

func runProfileList(cmd *cobra.Command, args []string) error {
	profiles, err := listProfiles()
	if err != nil {
		return err
	}
	return printOutput(profiles, func(w *tabwriter.Writer) {
		fmt.Fprintln(w, "ID\tNAME\tEMAIL")
		fmt.Fprintln(w, "--\t----\t-----")
		for _, p := range profiles {
			fmt.Fprintf(w, "%s\t%s\t%s\n", p.ID, p.Name, p.Email)
		}
	})
}

func runProfileShow(cmd *cobra.Command, args []string) error {
	profile, err := loadProfile(args[0])
	if err != nil {
		return err
	}
	s, err := openServices(cmd.Context())
	if err != nil {
		return err
	}
	public, err := s.keys.PublicKey(cmd.Context(), familyvault.Member{Profile: profile})
	if err != nil {
		return err
	}

	view := profileView{UserProfile: profile, PublicKey: hex.EncodeToString(public)}
	return printOutput(view, func(w *tabwriter.Writer) {
		printProfile(w, view)
	})
}

func printProfile(w *tabwriter.Writer, p profileView) {
	fmt.Fprintf(w, "ID:\t%s\n", p.ID)
	fmt.Fprintf(w, "Name:\t%s\n", p.Name)
	fmt.Fprintf(w, "Email:\t%s\n", p.Email)
	fmt.Fprintf(w, "Key reference:\t%s\n", p.KeyReference.Identifier)
	fmt.Fprintf(w, "Public key:\t%s\n", p.PublicKey)
}

func profilePath(id string) (string, error) {
	if err := misc.ValidateIdentifier("profile ID", id); err != nil {
		return "", err
	}
	return filepath.Join(cfg.Profiles.Path, id+".json"), nil
}

func saveProfile(profile familyvault.UserProfile) error {
	path, err := profilePath(profile.ID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(profile, "", "  ")
	if err != nil {
		return err
	}
	if err = os.MkdirAll(cfg.Profiles.Path, misc.DirPermissions); err != nil {
		return fmt.Errorf("failed to create profile directory: %w", err)
	}
	return fsutil.CreateSecureFile(path, data, misc.FilePermissions)
}

// loadProfile reads a profile saved by "profile new"
func loadProfile(id string) (familyvault.UserProfile, error) {
	var profile familyvault.UserProfile
	path, err := profilePath(id)
	if err != nil {
		return profile, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return profile, fmt.Errorf("profile %s not found", id)
	}
	if err != nil {
		return profile, err
	}
	if err = json.Unmarshal(data, &profile); err != nil {
		return profile, fmt.Errorf("profile %s is corrupt: %w", id, err)
	}
	return profile, nil
}

func listProfiles() ([]familyvault.UserProfile, error) {
	entries, err := os.ReadDir(cfg.Profiles.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var profiles []familyvault.UserProfile
	for _, entry := range entries {
		id, ok := strings.CutSuffix(entry.Name(), ".json")
		if entry.IsDir() || !ok {
			continue
		}
		profile, err := loadProfile(id)
		if err != nil {
			logger.Warn("skipping unreadable profile", zap.String("file", entry.Name()), zap.Error(err))
			continue
		}
		profiles = append(profiles, profile)
	}
	sort.Slice(profiles, func(i, j int) bool { return profiles[i].Name < profiles[j].Name })
	return profiles, nil
}
