package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	familyvault "github.com/BradMann09/FamilyVault"
	"github.com/spf13/cobra"
)

var itemCmd = &cobra.Command{
	Use:   "item",
	Short: "Upload, list and open vault items",
}

var itemUploadCmd = &cobra.Command{
	Use:   "upload <vault-id> <file>",
	Short: "Seal a file into a vault",
	Long: `Seal a file into a vault. The title, type, tags and attributes are stored in
clear text next to the sealed data and are authenticated with it. Use "-" to
read the file from standard input.`,
	Example: `  familyvault item upload <vault-id> passport.pdf --as <profile-id> --type passport \
    --title "Anna's passport" --expires 2031-05-01 --attr country=NZ`,
	Args: cobra.ExactArgs(2),
	RunE: audited(runItemUpload),
}

var itemListCmd = &cobra.Command{
	Use:   "list <vault-id>",
	Short: "List the items of a vault",
	Args:  cobra.ExactArgs(1),
	RunE:  runItemList,
}

var itemDecryptCmd = &cobra.Command{
	Use:   "decrypt <vault-id> <item-id>",
	Short: "Open an item",
	Args:  cobra.ExactArgs(2),
	RunE:  audited(runItemDecrypt),
}

var itemDeleteCmd = &cobra.Command{
	Use:   "delete <vault-id> <item-id>",
	Short: "Delete an item and its sealed data",
	Args:  cobra.ExactArgs(2),
	RunE:  audited(runItemDelete),
}

var (
	itemTitle    string
	itemType     string
	itemTags     []string
	itemCategory string
	itemAttrs    map[string]string
	itemExpires  string
	itemOut      string
	itemForce    bool
)

func init() {
	rootCmd.AddCommand(itemCmd)
	itemCmd.AddCommand(itemUploadCmd, itemListCmd, itemDecryptCmd, itemDeleteCmd)

	itemUploadCmd.Flags().StringVar(&itemTitle, "title", "", "title hint (default the file name)")
	itemUploadCmd.Flags().StringVar(&itemType, "type", string(familyvault.ItemDocument), "item type (document, passport, license, medical, financial, legal, other)")
	itemUploadCmd.Flags().StringSliceVar(&itemTags, "tag", nil, "tags")
	itemUploadCmd.Flags().StringVar(&itemCategory, "category", "", "checklist category")
	itemUploadCmd.Flags().StringToStringVar(&itemAttrs, "attr", nil, "redacted attributes as key=value")
	itemUploadCmd.Flags().StringVar(&itemExpires, "expires", "", "expiry date (YYYY-MM-DD)")

	itemDecryptCmd.Flags().StringVar(&itemOut, "out", "", "output file (default standard output)")
	itemDeleteCmd.Flags().BoolVarP(&itemForce, "force", "f", false, "delete without confirmation")
}

func parseItemType(name string) (familyvault.ItemType, error) {
	t := familyvault.ItemType(strings.ToLower(name))
	switch t {
	case familyvault.ItemDocument, familyvault.ItemPassport, familyvault.ItemLicense,
		familyvault.ItemMedical, familyvault.ItemFinancial, familyvault.ItemLegal, familyvault.ItemOther:
		return t, nil
	}
	return "", fmt.Errorf("unknown item type %q", name)
}

func runItemUpload(cmd *cobra.Command, args []string) error {
	member, err := actor()
	if err != nil {
		return err
	}
	kind, err := parseItemType(itemType)
	if err != nil {
		return err
	}

	metadata := familyvault.VaultItemMetadata{
		TitleHint:          itemTitle,
		RedactedAttributes: itemAttrs,
	}
	if metadata.TitleHint == "" && args[1] != "-" {
		metadata.TitleHint = filepath.Base(args[1])
	}
	if itemCategory != "" {
		metadata.ChecklistCategory = &itemCategory
	}
	if itemExpires != "" {
		expires, err := time.Parse(time.DateOnly, itemExpires)
		if err != nil {
			return fmt.Errorf("invalid --expires: %w", err)
		}
		metadata.ExpiresAt = &expires
	}

	data, err := readInput(args[1])
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", args[1], err)
	}

	s, err := openServices(cmd.Context())
	if err != nil {
		return err
	}
	item, err := s.vault.UploadItem(cmd.Context(), familyvault.UploadRequest{
		VaultID:  args[0],
		Member:   member,
		Data:     data,
		Metadata: metadata,
		Type:     kind,
		Tags:     itemTags,
	})
	if err != nil {
		return err
	}

	return printOutput(item, func(w *tabwriter.Writer) {
		fmt.Fprintf(w, "ID:\t%s\n", item.ID)
		fmt.Fprintf(w, "Vault:\t%s\n", item.VaultID)
		fmt.Fprintf(w, "Type:\t%s\n", item.Type)
		fmt.Fprintf(w, "Title:\t%s\n", item.Metadata.TitleHint)
		fmt.Fprintf(w, "Size:\t%d bytes\n", len(data))
	})
}

func runItemList(cmd *cobra.Command, args []string) error {
	s, err := openServices(cmd.Context())
	if err != nil {
		return err
	}
	items, err := s.vault.Items(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	return printOutput(items, func(w *tabwriter.Writer) {
		fmt.Fprintln(w, "ID\tTYPE\tTITLE\tTAGS\tEXPIRES\tUPDATED")
		fmt.Fprintln(w, "--\t----\t-----\t----\t-------\t-------")
		for _, item := range items {
			expires := "-"
			if item.Metadata.ExpiresAt != nil {
				expires = item.Metadata.ExpiresAt.Format(time.DateOnly)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", item.ID, item.Type, item.Metadata.TitleHint,
				strings.Join(item.Tags, ","), expires, item.UpdatedAt.Local().Format(time.DateTime))
		}
	})
}

// findItem looks an item up by id within a vault
func findItem(cmd *cobra.Command, s *services, vaultID, itemID string) (familyvault.VaultItem, error) {
	items, err := s.vault.Items(cmd.Context(), vaultID)
	if err != nil {
		return familyvault.VaultItem{}, err
	}
	for _, item := range items {
		if item.ID == itemID {
			return item, nil
		}
	}
	return familyvault.VaultItem{}, fmt.Errorf("%w: %s", familyvault.ErrItemNotFound, itemID)
}

func runItemDecrypt(cmd *cobra.Command, args []string) error {
	member, err := actor()
	if err != nil {
		return err
	}
	s, err := openServices(cmd.Context())
	if err != nil {
		return err
	}
	item, err := findItem(cmd, s, args[0], args[1])
	if err != nil {
		return err
	}

	data, err := s.vault.Decrypt(cmd.Context(), item, member)
	if err != nil {
		return err
	}
	if err = writeOutput(itemOut, data); err != nil {
		return fmt.Errorf("failed to write item: %w", err)
	}
	if itemOut != "" && itemOut != "-" {
		fmt.Fprintf(os.Stderr, "Wrote %d bytes to %s\n", len(data), itemOut)
	}
	return nil
}

func runItemDelete(cmd *cobra.Command, args []string) error {
	member, err := actor()
	if err != nil {
		return err
	}
	s, err := openServices(cmd.Context())
	if err != nil {
		return err
	}
	item, err := findItem(cmd, s, args[0], args[1])
	if err != nil {
		return err
	}

	if !itemForce && !promptConfirmation(fmt.Sprintf("Delete %q from vault %s?", item.Metadata.TitleHint, args[0])) {
		fmt.Println("Aborted")
		return nil
	}
	if err = s.vault.DeleteItem(cmd.Context(), item, member); err != nil {
		return err
	}
	fmt.Printf("Deleted item %s\n", item.ID)
	return nil
}
