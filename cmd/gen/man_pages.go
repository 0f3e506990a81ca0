package gen

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/cobra/doc"

	"github.com/luma/sngate/internal/meta"
)

// buildTimeLayout matches meta.BuildTimeUTC as stamped by the linker.
const buildTimeLayout = "2006/01/02 15:04:05"

var (
	manDir     string
	manSection string
)

var ManPagesCmd = &cobra.Command{
	Use:   "man",
	Short: "Generate man pages for sngate",
	Long: `Writes a man page for every sngate command. The pages carry the
version and build of the binary that generated them. Output goes to the
"man" directory under the current directory unless --dir says otherwise.`,

	RunE: func(cmd *cobra.Command, args []string) error {
		return writeManPages(cmd.Root(), manHeader(meta.GetInfo(), manSection), manDir, cmd.OutOrStdout())
	},
}

// manHeader describes the build in the .TH line. The page date is the build
// time when the binary was stamped with one.
func manHeader(info meta.Info, section string) *doc.GenManHeader {
	header := &doc.GenManHeader{
		Section: section,
		Manual:  "sngate MQTT-SN gateway",
		Source:  fmt.Sprintf("sngate %s", info.Version),
	}

	if info.Build != "" {
		header.Source = fmt.Sprintf("sngate %s (%s)", info.Version, info.Build)
	}

	if built, err := time.Parse(buildTimeLayout, info.BuildTime); err == nil {
		header.Date = &built
	}

	return header
}

func writeManPages(root *cobra.Command, header *doc.GenManHeader, dir string, out io.Writer) error {
	dir = filepath.Clean(dir)

	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("Failed to create %s: %w", dir, err)
	}

	root.DisableAutoGenTag = true

	fmt.Fprintf(out, "Writing section %s man pages to %s\n", header.Section, dir)

	if err := doc.GenManTree(root, header, dir); err != nil {
		return fmt.Errorf("Failed to generate man pages: %w", err)
	}

	color.New(color.FgGreen).Fprintln(out, "Done.")

	return nil
}

func init() {
	flags := ManPagesCmd.Flags()

	flags.StringVar(&manDir, "dir", "man", "directory the man pages are written to")
	flags.StringVar(&manSection, "section", "1", "man section the pages belong to")

	// For bash-completion
	if err := flags.SetAnnotation("dir", cobra.BashCompSubdirsInDir, []string{}); err != nil {
		panic(err)
	}
}
