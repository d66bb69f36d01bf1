package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"go.olrik.dev/sockswatch/internal/keyring"
)

func NewPasswordCommand() *cobra.Command {
	passwordCmd := &cobra.Command{
		Use:     "password",
		Aliases: []string{"passwd", "pass"},
		Short:   "Manage the stored SSH password for the tunnel",
		Long:    `Store or delete the password for the configured user@host. Passwords are stored in the system keyring and used when use_keyring is enabled and no ssh_password is configured.`,
	}

	setCmd := &cobra.Command{
		Use:   "set",
		Short: "Store the SSH password in the system keyring",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			store, err := keyring.System()
			if err != nil {
				return err
			}

			password, err := keyring.PromptAndConfirmPassword(cfg.Target())
			if err != nil {
				return err
			}

			if err := store.SetPassword(cfg.Target(), password); err != nil {
				return fmt.Errorf("failed to store password: %w", err)
			}

			slog.Info(fmt.Sprintf("Password stored securely for '%s'", cfg.Target()))
			if !cfg.UseKeyring {
				slog.Warn("use_keyring is disabled; enable it for the stored password to be used")
			}
			return nil
		},
	}

	deleteCmd := &cobra.Command{
		Use:     "delete",
		Aliases: []string{"del", "remove", "rm"},
		Short:   "Delete the stored SSH password",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			store, err := keyring.System()
			if err != nil {
				return err
			}

			if err := store.DeletePassword(cfg.Target()); err != nil {
				return fmt.Errorf("failed to delete password: %w", err)
			}

			slog.Info(fmt.Sprintf("Password deleted for '%s'", cfg.Target()))
			return nil
		},
	}

	passwordCmd.AddCommand(setCmd, deleteCmd)
	return passwordCmd
}
