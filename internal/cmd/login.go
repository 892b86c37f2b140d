package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/inercia/marketchat/internal/secrets"
)

var loginToken string

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Save the server token in the system keychain",
	Long: `Save the API token for the configured server in the system keychain,
so it does not have to be written to the configuration file.

The token is read from --token or, when omitted, from the first line of
standard input. A token in MARKETCHAT_TOKEN or server.token takes
precedence over the stored one.

Only macOS has a supported keychain.`,
	Args: cobra.NoArgs,
	RunE: runLogin,
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Remove the stored server token",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		err := secrets.DeleteToken(secretStore, cfg.Server.BaseURL)
		switch {
		case errors.Is(err, secrets.ErrNotFound):
			fmt.Fprintf(cmd.OutOrStdout(), "No token stored for %s\n", cfg.Server.BaseURL)
			return nil
		case err != nil:
			return fmt.Errorf("failed to remove token: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✅ Token for %s removed\n", cfg.Server.BaseURL)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(loginCmd, logoutCmd)

	loginCmd.Flags().StringVar(&loginToken, "token", "", "API token (default: read from stdin)")
}

func runLogin(cmd *cobra.Command, args []string) error {
	if !secretStore.Supported() {
		return fmt.Errorf("%w: set %s or server.token instead", secrets.ErrNotSupported, "MARKETCHAT_TOKEN")
	}

	token := loginToken
	if token == "" {
		var err error
		if token, err = readToken(cmd.InOrStdin()); err != nil {
			return err
		}
	}
	if err := secrets.SaveToken(secretStore, cfg.Server.BaseURL, token); err != nil {
		return fmt.Errorf("failed to store token: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✅ Token for %s stored in the keychain\n", cfg.Server.BaseURL)
	return nil
}

func readToken(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read token: %w", err)
	}
	token := strings.TrimSpace(line)
	if token == "" {
		return "", errors.New("no token given")
	}
	return token, nil
}
