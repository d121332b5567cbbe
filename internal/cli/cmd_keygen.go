package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh"

	"github.com/koltyakov/addr/internal/sshd"
)

func (a *app) keygenCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an ed25519 SSH host key",
		Long:  "Generate an ed25519 host key in the host key directory. Existing keys are never overwritten.",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig(cmd)
			if err != nil {
				return err
			}
			pub, err := sshd.GenerateHostKey(cfg.HostKeysDir, name, cfg.Domain)
			if err != nil {
				return fmt.Errorf("generate host key: %w", err)
			}
			_, _ = fmt.Fprintln(a.stdout, "path:", filepath.Join(cfg.HostKeysDir, name))
			_, _ = fmt.Fprintln(a.stdout, "fingerprint:", ssh.FingerprintSHA256(pub))
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", sshd.DefaultHostKeyName, "Key file name inside the host key directory")
	return cmd
}
