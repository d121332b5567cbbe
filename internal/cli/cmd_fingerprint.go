package cli

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/koltyakov/addr/internal/auth"
)

func (a *app) fingerprintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fingerprint <public-key-file|->",
		Short: "Print the device fingerprint of SSH public keys",
		Long:  "Print the fingerprint addr records for each key in an authorized_keys style file, one per line. Use - for stdin.",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var in io.Reader = cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer func() { _ = f.Close() }()
				in = f
			}
			return a.printFingerprints(in)
		},
	}
}

func (a *app) printFingerprints(in io.Reader) error {
	sc := bufio.NewScanner(in)
	found := 0
	for line := 1; sc.Scan(); line++ {
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 || raw[0] == '#' {
			continue
		}
		fp, err := auth.ParseAuthorizedKey(raw)
		if err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		_, _ = fmt.Fprintln(a.stdout, fp)
		found++
	}
	if err := sc.Err(); err != nil {
		return err
	}
	if found == 0 {
		return fmt.Errorf("no public keys found")
	}
	return nil
}
