package commands

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/opennetfab/opennetfab/pkg/model"
)

func newSecretCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage device credentials",
		Long: `Provision and remove credentials in the resolver's store chain:
the OS keychain, mirrored to the encrypted fallback file when one is
configured. Secret material is read from stdin and never echoed.`,
	}
	cmd.AddCommand(newSecretSetCommand(version))
	cmd.AddCommand(newSecretRemoveCommand(version))
	return cmd
}

func newSecretSetCommand(version string) *cobra.Command {
	var (
		kind     string
		username string
		keyFile  string
	)

	cmd := &cobra.Command{
		Use:   "set <name>",
		Short: "Store a credential",
		Long: `Store a credential under a name that inventories reference.

The secret itself is read from stdin: the password for user-password,
the token for api-token, and the key passphrase for ssh-key (close
stdin without input for an unencrypted key). The private key comes from
--key-file, never from a flag value.`,
		Example: `  # Password from stdin
  printf '%s' "$LAB_PASSWORD" | netfab secret set lab-admin --kind user-password --username admin

  # Meraki API token
  printf '%s' "$MERAKI_KEY" | netfab secret set meraki-org --kind api-token

  # Unencrypted SSH key
  netfab secret set jump-host --kind ssh-key --username ops --key-file ~/.ssh/ops_ed25519 </dev/null`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			name := args[0]

			secret, err := readSecret(cmd.InOrStdin())
			if err != nil {
				return err
			}

			var cred *model.Credential
			switch model.CredentialKind(kind) {
			case model.CredentialUserPassword:
				if username == "" {
					return fmt.Errorf("--username is required for user-password credentials")
				}
				if len(secret) == 0 {
					return fmt.Errorf("no password on stdin")
				}
				cred = model.NewUserPassword(username, secret)
			case model.CredentialSSHKey:
				if username == "" || keyFile == "" {
					return fmt.Errorf("--username and --key-file are required for ssh-key credentials")
				}
				keyBytes, err := os.ReadFile(keyFile)
				if err != nil {
					return fmt.Errorf("failed to read key file: %w", err)
				}
				if len(secret) == 0 {
					secret = nil
				}
				cred = model.NewSSHKey(username, keyBytes, secret)
			case model.CredentialAPIToken:
				if len(secret) == 0 {
					return fmt.Errorf("no token on stdin")
				}
				cred = model.NewAPIToken(secret)
			default:
				return fmt.Errorf("unknown credential kind %q", kind)
			}
			defer cred.Zero()

			a, err := newApp(ctx, version)
			if err != nil {
				return err
			}
			defer a.Close(context.WithoutCancel(ctx))

			if err := a.resolver.Put(ctx, model.CredentialRef{Name: name}, cred); err != nil {
				return err
			}
			cmd.Printf("stored %s credential %q\n", kind, name)
			return nil
		},
	}

	cmd.Flags().StringVar(&kind, "kind", string(model.CredentialUserPassword), "credential kind (user-password, ssh-key, api-token)")
	cmd.Flags().StringVarP(&username, "username", "u", "", "login name for user-password and ssh-key credentials")
	cmd.Flags().StringVar(&keyFile, "key-file", "", "private key file for ssh-key credentials")

	return cmd
}

func newSecretRemoveCommand(version string) *cobra.Command {
	return &cobra.Command{
		Use:     "rm <name>",
		Short:   "Remove a credential",
		Example: `  netfab secret rm lab-admin`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := newApp(ctx, version)
			if err != nil {
				return err
			}
			defer a.Close(context.WithoutCancel(ctx))

			if err := a.resolver.Delete(ctx, model.CredentialRef{Name: args[0]}); err != nil {
				return err
			}
			cmd.Printf("removed credential %q\n", args[0])
			return nil
		},
	}
}

// readSecret reads the whole of stdin and strips one trailing newline so
// both "printf '%s'" and "echo" pipelines behave.
func readSecret(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read secret from stdin: %w", err)
	}
	data = bytes.TrimSuffix(data, []byte("\n"))
	data = bytes.TrimSuffix(data, []byte("\r"))
	return data, nil
}
