package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var completionNoDesc bool

var completionCmd = &cobra.Command{
	Use:   "completion [bash|zsh|fish|powershell]",
	Short: "Generate a shell completion script",
	Long: `Generate a completion script for familyvault.

Load it for the current shell:

  bash:        source <(familyvault completion bash)
  zsh:         source <(familyvault completion zsh)
  fish:        familyvault completion fish | source
  powershell:  familyvault completion powershell | Out-String | Invoke-Expression

Install it for every session:

  bash:  familyvault completion bash > /etc/bash_completion.d/familyvault
  zsh:   familyvault completion zsh > "${fpath[1]}/_familyvault"
  fish:  familyvault completion fish > ~/.config/fish/completions/familyvault.fish

zsh needs "autoload -U compinit; compinit" in ~/.zshrc if completion is not
already enabled.`,
	DisableFlagsInUseLine: true,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	RunE:                  generateCompletion,
}

func init() {
	rootCmd.AddCommand(completionCmd)
	completionCmd.Flags().BoolVar(&completionNoDesc, "no-descriptions", false, "omit completion descriptions")
}

func generateCompletion(cmd *cobra.Command, args []string) error {
	root := cmd.Root()
	switch args[0] {
	case "bash":
		return root.GenBashCompletionV2(os.Stdout, !completionNoDesc)
	case "zsh":
		if completionNoDesc {
			return root.GenZshCompletionNoDesc(os.Stdout)
		}
		return root.GenZshCompletion(os.Stdout)
	case "fish":
		return root.GenFishCompletion(os.Stdout, !completionNoDesc)
	default:
		if completionNoDesc {
			return root.GenPowerShellCompletion(os.Stdout)
		}
		return root.GenPowerShellCompletionWithDesc(os.Stdout)
	}
}
