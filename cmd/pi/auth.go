package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/haasonsaas/pi/internal/auth"
)

// buildLoginCmd creates the "login" command. Providers with a published OAuth
// client run the authorization-code flow; everything else stores an API key.
func buildLoginCmd() *cobra.Command {
	var apiKey string

	cmd := &cobra.Command{
		Use:   "login [provider]",
		Short: "Store credentials for a provider",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			provider := "anthropic"
			if len(args) == 1 {
				provider = args[0]
			}
			return runLogin(cmd, provider, apiKey)
		},
	}

	cmd.Flags().StringVar(&apiKey, "api-key", "", "Store an API key instead of running the OAuth flow")

	return cmd
}

func runLogin(cmd *cobra.Command, provider, apiKey string) error {
	store, err := auth.DefaultStore()
	if err != nil {
		return err
	}

	if apiKey == "" && auth.SupportsOAuth(provider) {
		return runOAuthLogin(cmd, store, provider)
	}

	reader := bufio.NewReader(cmd.InOrStdin())
	if apiKey == "" {
		apiKey = promptPassword(reader, fmt.Sprintf("%s API key", provider))
	}
	if apiKey == "" {
		return errors.New("no API key entered")
	}

	if err := store.Set(provider, auth.Credential{Type: auth.CredentialAPIKey, Key: apiKey}); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Stored API key for %s in %s\n", provider, store.Path())
	return nil
}

func runOAuthLogin(cmd *cobra.Command, store *auth.Store, provider string) error {
	flow, err := auth.StartLogin(provider)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Open the URL below, authorize, and paste the code back here.\n\n%s\n\n", flow.URL)
	fmt.Fprint(out, "Code: ")

	reader := bufio.NewReader(cmd.InOrStdin())
	code, err := reader.ReadString('\n')
	if err != nil {
		return fmt.Errorf("read authorization code: %w", err)
	}

	cred, err := flow.Exchange(cmd.Context(), code)
	if err != nil {
		return err
	}
	if err := store.Set(provider, cred); err != nil {
		return err
	}
	fmt.Fprintf(out, "Logged in to %s; tokens stored in %s\n", provider, store.Path())
	return nil
}

// buildLogoutCmd creates the "logout" command.
func buildLogoutCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "logout [provider]",
		Short: "Remove stored credentials",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := auth.DefaultStore()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if all {
				providers, err := store.Providers()
				if err != nil {
					return err
				}
				if len(providers) == 0 {
					fmt.Fprintln(out, "No stored credentials.")
					return nil
				}
				for _, p := range providers {
					if err := store.Delete(p); err != nil {
						return err
					}
					fmt.Fprintf(out, "Removed credentials for %s\n", p)
				}
				return nil
			}

			if len(args) != 1 {
				return errors.New("provider argument required (or --all)")
			}
			if err := store.Delete(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(out, "Removed credentials for %s\n", args[0])
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Remove credentials for every provider")

	return cmd
}

// promptPassword prompts for a secret without echoing input.
func promptPassword(reader *bufio.Reader, label string) string {
	fmt.Printf("%s: ", label)
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		text, err := term.ReadPassword(fd)
		fmt.Println()
		if err == nil {
			return strings.TrimSpace(string(text))
		}
	}
	text, err := reader.ReadString('\n')
	if err != nil {
		return ""
	}
	return strings.TrimSpace(text)
}
