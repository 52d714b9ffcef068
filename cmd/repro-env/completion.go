package main

import (
	"os"

	"github.com/spf13/cobra"
)

var completionsCmd = &cobra.Command{
	Use:   "completions [bash|zsh|fish]",
	Short: "Generate shell completion scripts",
	Long: `Generate shell completion scripts for repro-env.

To load completions:

Bash:
  $ source <(repro-env completions bash)
  # Or, to load completions for each session:
  $ repro-env completions bash > ~/.bash_completion.d/repro-env

Zsh:
  # If shell completion is not already enabled in your environment:
  $ echo "autoload -U compinit; compinit" >> ~/.zshrc

  $ source <(repro-env completions zsh)
  # Or, to load completions for each session:
  $ repro-env completions zsh > "${fpath[1]}/_repro-env"

Fish:
  $ repro-env completions fish | source
  # Or, to load completions for each session:
  $ repro-env completions fish > ~/.config/fish/completions/repro-env.fish
`,
	DisableFlagsInUseLine: true,
	ValidArgs:             []string{"bash", "zsh", "fish"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		switch args[0] {
		case "bash":
			return cmd.Root().GenBashCompletionV2(os.Stdout, true)
		case "zsh":
			return cmd.Root().GenZshCompletion(os.Stdout)
		case "fish":
			return cmd.Root().GenFishCompletion(os.Stdout, true)
		}
		return nil
	},
}
