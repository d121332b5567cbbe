package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/koltyakov/addr/internal/versionutil"
)

// Version is set at build time via -ldflags.
var Version = versionutil.Dev

func init() {
	Version = versionutil.Resolve(Version)
}

func (a *app) versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(a.stdout, "addr", Version)
			return err
		},
	}
}
