// Package credscmder provides offline management of the pool file: adding,
// listing and removing credentials without a running server.
package credscmder

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/papercomputeco/switchboard/pkg/config"
	"github.com/papercomputeco/switchboard/pkg/machineid"
	"github.com/papercomputeco/switchboard/pkg/pool"
)

const credsLongDesc string = `Manage the credential pool file directly.

These commands edit the pool file on disk without contacting the upstream
or a running switchboard. Credentials added here are validated on their
first refresh; prefer the admin API when the server is up, which verifies
the refresh token before committing.

Examples:
  switchboard creds add --auth-method idc --client-id C --client-secret S
  switchboard creds add --auth-method social        Prompt for refresh token
  echo $TOKEN | switchboard creds add --auth-method social
  switchboard creds list                            List pool contents
  switchboard creds remove 3                        Remove disabled credential #3`

// NewCredsCmd creates the creds command group.
func NewCredsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "creds",
		Short: "Manage the credential pool file",
		Long:  credsLongDesc,
	}

	cmd.AddCommand(newAddCmd())
	cmd.AddCommand(newListCmd())
	cmd.AddCommand(newRemoveCmd())

	return cmd
}

func newAddCmd() *cobra.Command {
	var (
		authMethod   string
		clientID     string
		clientSecret string
		profileARN   string
		region       string
		proxyURL     string
		priority     int
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a credential to the pool file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := poolPath(cmd)
			if err != nil {
				return err
			}

			token, err := readRefreshToken()
			if err != nil {
				return err
			}
			token = strings.TrimSpace(token)
			if token == "" {
				return errors.New("refresh token cannot be empty")
			}

			cred := &pool.Credential{
				RefreshToken: token,
				AuthMethod:   authMethod,
				ClientID:     clientID,
				ClientSecret: clientSecret,
				ProfileARN:   profileARN,
				Region:       region,
				ProxyURL:     proxyURL,
				Priority:     priority,
			}

			id, err := appendToPool(path, cred)
			if err != nil {
				return err
			}

			fmt.Printf("Added credential #%d (%s) to %s\n", id, authMethod, path)
			fmt.Println("The refresh token will be verified on first use.")
			return nil
		},
	}

	cmd.Flags().StringVar(&authMethod, "auth-method", pool.AuthMethodIDC, "Auth method: idc, builder-id or social")
	cmd.Flags().StringVar(&clientID, "client-id", "", "OIDC client id (idc only)")
	cmd.Flags().StringVar(&clientSecret, "client-secret", "", "OIDC client secret (idc only)")
	cmd.Flags().StringVar(&profileARN, "profile-arn", "", "Upstream profile ARN")
	cmd.Flags().StringVar(&region, "region", "", "Upstream region (default inferred or us-east-1)")
	cmd.Flags().StringVar(&proxyURL, "proxy-url", "", "Per-credential outbound proxy URL")
	cmd.Flags().IntVar(&priority, "priority", 0, "Selection priority (lower wins)")

	return cmd
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List pool file contents",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := poolPath(cmd)
			if err != nil {
				return err
			}

			creds, err := pool.LoadFile(path, zap.NewNop())
			if err != nil {
				return err
			}

			if len(creds) == 0 {
				fmt.Printf("No credentials in %s.\n", path)
				return nil
			}

			fmt.Printf("Credentials in %s:\n", path)
			for _, c := range creds {
				state := "enabled"
				if c.Disabled {
					state = "disabled"
					if c.DisabledReason != "" {
						state += " (" + c.DisabledReason + ")"
					}
				}
				fmt.Printf("  #%d  %-10s  %-12s  prio=%d  ok=%d fail=%d  %s\n",
					c.ID, c.AuthMethod, c.EffectiveRegion(), c.Priority,
					c.SuccessCount, c.FailureCount, state)
			}
			return nil
		},
	}
}

func newRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a disabled credential from the pool file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid credential id %q", args[0])
			}

			path, err := poolPath(cmd)
			if err != nil {
				return err
			}

			creds, err := pool.LoadFile(path, zap.NewNop())
			if err != nil {
				return err
			}

			idx := -1
			for i, c := range creds {
				if c.ID == id {
					idx = i
					break
				}
			}
			if idx < 0 {
				return fmt.Errorf("credential %d not found", id)
			}
			if !creds[idx].Disabled {
				return fmt.Errorf("credential %d is not disabled; disable it first", id)
			}

			creds = append(creds[:idx], creds[idx+1:]...)
			if err := pool.WriteFile(path, creds); err != nil {
				return err
			}

			fmt.Printf("Removed credential #%d from %s.\n", id, path)
			return nil
		},
	}
}

func poolPath(cmd *cobra.Command) (string, error) {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return "", err
	}
	return cfg.Pool.CredentialsFile, nil
}

func appendToPool(path string, cred *pool.Credential) (int64, error) {
	creds, err := pool.LoadFile(path, zap.NewNop())
	if err != nil {
		return 0, err
	}

	for _, c := range creds {
		if c.RefreshToken == cred.RefreshToken {
			return 0, errors.New("duplicate refreshToken")
		}
	}

	switch cred.AuthMethod {
	case pool.AuthMethodIDC:
		if cred.ClientID == "" || cred.ClientSecret == "" {
			return 0, errors.New("idc credentials require --client-id and --client-secret")
		}
	case pool.AuthMethodBuilderID, pool.AuthMethodSocial:
	default:
		return 0, fmt.Errorf("unknown auth method %q", cred.AuthMethod)
	}

	if cred.Region == "" {
		cred.Region = cred.EffectiveRegion()
	}
	if cred.MachineID == "" {
		mid, err := machineid.Derive()
		if err != nil {
			return 0, fmt.Errorf("deriving machineId: %w", err)
		}
		cred.MachineID = mid
	}

	var max int64
	for _, c := range creds {
		if c.ID > max {
			max = c.ID
		}
	}
	cred.ID = max + 1

	creds = append(creds, cred)
	if err := pool.WriteFile(path, creds); err != nil {
		return 0, err
	}

	return cred.ID, nil
}

// readRefreshToken reads the refresh token from stdin. If stdin is a pipe,
// it reads the first line. Otherwise, it prompts interactively with hidden
// input.
func readRefreshToken() (string, error) {
	fi, err := os.Stdin.Stat()
	if err != nil {
		return "", fmt.Errorf("checking stdin: %w", err)
	}

	// Piped input
	if (fi.Mode() & os.ModeCharDevice) == 0 {
		scanner := bufio.NewScanner(os.Stdin)
		if scanner.Scan() {
			return scanner.Text(), nil
		}
		if err := scanner.Err(); err != nil {
			return "", fmt.Errorf("reading stdin: %w", err)
		}
		return "", errors.New("no input received on stdin")
	}

	// Interactive terminal
	fmt.Print("Enter refresh token: ")
	tokenBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println() // newline after hidden input
	if err != nil {
		return "", fmt.Errorf("reading refresh token: %w", err)
	}

	return string(tokenBytes), nil
}
