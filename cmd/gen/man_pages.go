package gen

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/cobra/doc"

	"github.com/luma/lumen/internal/meta"
)

var manDir string

var ManPagesCmd = &cobra.Command{
	Use:   "man",
	Short: "Generate man pages for every lumen command",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()

		if err := os.MkdirAll(manDir, 0750); err != nil {
			return fmt.Errorf("Failed to create %s: %w", manDir, err)
		}

		root := cmd.Root()
		root.DisableAutoGenTag = true

		header := &doc.GenManHeader{
			Section: "1",
			Manual:  "Lumen Manual",
			Source:  "lumen " + meta.GetInfo().Version,
		}

		if err := doc.GenManTree(root, header, manDir); err != nil {
			return fmt.Errorf("Failed to generate man pages: %w", err)
		}

		fmt.Fprintln(out, "Wrote man pages to", manDir)
		return nil
	},
}

func init() {
	flags := ManPagesCmd.Flags()

	flags.StringVar(&manDir, "dir", "man", "The directory to write the man pages to")

	// For bash-completion
	if err := flags.SetAnnotation("dir", cobra.BashCompSubdirsInDir, []string{}); err != nil {
		panic(err)
	}
}
