package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

const credentialsFileName = "credentials.json"

type credentials struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

func newLoginCmd() *cobra.Command {
	var username string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Authenticate against the LabFlow server",
		Long:  "Exchange username and password for a token pair and store it locally.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if username == "" {
				fmt.Fprint(cmd.OutOrStdout(), "username: ")
				reader := bufio.NewReader(os.Stdin)
				line, err := reader.ReadString('\n')
				if err != nil {
					return fmt.Errorf("read username: %w", err)
				}
				username = strings.TrimSpace(line)
			}
			if username == "" {
				return fmt.Errorf("username cannot be empty")
			}

			password := os.Getenv("LF_PASSWORD")
			if password == "" {
				fmt.Fprint(cmd.OutOrStdout(), "password: ")
				raw, err := term.ReadPassword(int(os.Stdin.Fd()))
				fmt.Fprintln(cmd.OutOrStdout())
				if err != nil {
					return fmt.Errorf("read password: %w", err)
				}
				password = string(raw)
			}

			pair, err := client.Login(username, password)
			if err != nil {
				return fmt.Errorf("login: %w", err)
			}
			credPath, err := credentialsPath()
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(credPath), 0o700); err != nil {
				return fmt.Errorf("create config directory: %w", err)
			}
			data, err := json.MarshalIndent(credentials{
				AccessToken:  pair.AccessToken,
				RefreshToken: pair.RefreshToken,
			}, "", "  ")
			if err != nil {
				return fmt.Errorf("marshal credentials: %w", err)
			}
			if err := os.WriteFile(credPath, data, 0o600); err != nil {
				return fmt.Errorf("write credentials: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Credentials saved to %s\n", credPath)
			return nil
		},
	}

	cmd.Flags().StringVarP(&username, "user", "u", "", "Username (prompted if omitted)")
	return cmd
}

// credentialsPath returns the path to ~/.labflow/credentials.json.
func credentialsPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("find home directory: %w", err)
	}
	return filepath.Join(home, ".labflow", credentialsFileName), nil
}

// LoadToken reads the stored access token, returning empty string if not
// logged in.
func LoadToken() string {
	p, err := credentialsPath()
	if err != nil {
		return ""
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return ""
	}
	var creds credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return ""
	}
	return creds.AccessToken
}
