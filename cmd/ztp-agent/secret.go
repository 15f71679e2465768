package main

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"
	"gopkg.in/ini.v1"

	"github.com/icxfleet/icxfleet/pkg/util"
)

// newSecretCmd builds the view-password generator. The plaintext is
// shown exactly once; only the bcrypt hash is stored, and only the
// hash ever reaches the dashboard.
func newSecretCmd() *cobra.Command {
	var promptFlag bool

	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Set the dashboard view password for this agent",
		Long: `Generates (or prompts for) the password that unlocks this agent's
page on the dashboard and stores its bcrypt hash in the agent config.
The plaintext is printed once and never saved.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var password string
			if promptFlag {
				fmt.Fprint(os.Stderr, "View password: ")
				raw, err := term.ReadPassword(int(os.Stdin.Fd()))
				fmt.Fprintln(os.Stderr)
				if err != nil {
					return fmt.Errorf("reading password: %w", err)
				}
				if len(raw) < 8 {
					return fmt.Errorf("%w: view password needs at least 8 characters", util.ErrConfig)
				}
				password = string(raw)
			} else {
				var err error
				password, err = generatePassword()
				if err != nil {
					return err
				}
			}

			hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
			if err != nil {
				return fmt.Errorf("hashing password: %w", err)
			}
			if err := storeHash(configPath, string(hash)); err != nil {
				return err
			}

			if !promptFlag {
				fmt.Printf("View password (shown once): %s\n", password)
			}
			fmt.Printf("Hash stored in %s\n", configPath)
			return nil
		},
	}

	cmd.Flags().BoolVar(&promptFlag, "prompt", false, "Prompt for a password instead of generating one")
	return cmd
}

func generatePassword() (string, error) {
	raw := make([]byte, 10)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generating password: %w", err)
	}
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(raw), nil
}

func storeHash(path, hash string) error {
	f, err := ini.Load(path)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", util.ErrConfig, path, err)
	}
	f.Section("agent").Key("view_password_hash").SetValue(hash)
	if err := f.SaveTo(path); err != nil {
		return fmt.Errorf("%w: writing %s: %v", util.ErrConfig, path, err)
	}
	return nil
}
