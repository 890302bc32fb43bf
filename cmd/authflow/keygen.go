package main

import (
	"os"
	"path/filepath"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/MrEthical07/authflow/jwt"
)

// NewKeygenCmd creates the keygen subcommand.
func NewKeygenCmd() *cobra.Command {
	var (
		dir string
		kid string
	)
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an Ed25519 signing key pair",
		Long: `Write <kid>.key and <kid>.pub PEM files for AUTHFLOW_JWT_PRIVATE_KEY_FILE
and AUTHFLOW_JWT_PUBLIC_KEY_FILE. Existing files are never overwritten.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			priv, pub, err := writeKeyPair(dir, kid)
			if err != nil {
				return err
			}
			cmd.Printf("private key: %s\npublic key:  %s\n", priv, pub)
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "out", ".", "output directory")
	cmd.Flags().StringVar(&kid, "kid", "k1", "key id")
	return cmd
}

func writeKeyPair(dir, kid string) (string, string, error) {
	if kid == "" || filepath.Base(kid) != kid {
		return "", "", oops.Code("INVALID_KEY_ID").With("kid", kid).Errorf("key id must be a plain file name")
	}
	key, err := jwt.GenerateEd25519(kid)
	if err != nil {
		return "", "", oops.Code("KEYGEN_FAILED").Wrap(err)
	}

	privPath := filepath.Join(dir, kid+".key")
	pubPath := filepath.Join(dir, kid+".pub")
	if err := writeNew(privPath, key.Private, 0o600); err != nil {
		return "", "", err
	}
	if err := writeNew(pubPath, key.Public, 0o644); err != nil {
		return "", "", err
	}
	return privPath, pubPath, nil
}

func writeNew(path string, data []byte, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return oops.Code("KEY_WRITE_FAILED").With("path", path).Wrap(err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return oops.Code("KEY_WRITE_FAILED").With("path", path).Wrap(err)
	}
	return f.Close()
}
