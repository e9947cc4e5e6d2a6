package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/notesync/internal/auth"
	"github.com/kalambet/notesync/internal/remote"
)

var signupCmd = &cobra.Command{
	Use:   "signup",
	Short: "Create an account on the remote store and sign in",
	Long: `Create an account on the remote store and sign in.

Notes written while signed out are uploaded to the new account.

Examples:
  notesync signup --email ada@example.com
  echo "correct horse" | notesync signup --email ada@example.com`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return authenticate(cmd, true)
	},
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in to the remote store",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return authenticate(cmd, false)
	},
}

func init() {
	for _, c := range []*cobra.Command{signupCmd, loginCmd} {
		c.Flags().String("email", "", "account email (required)")
		c.Flags().String("password", "", "account password (read from stdin when omitted)")
		c.MarkFlagRequired("email")
	}
}

func authenticate(cmd *cobra.Command, create bool) error {
	email, _ := cmd.Flags().GetString("email")
	password, _ := cmd.Flags().GetString("password")
	if password == "" {
		var err error
		if password, err = readPassword(cmd.InOrStdin()); err != nil {
			return err
		}
	}

	a, err := openApp(cmd.Context(), appOptions{initialize: true})
	if err != nil {
		return err
	}
	defer a.close()

	creds := remote.Credentials{Email: email, Password: password}
	var resp remote.AuthResponse
	if create {
		resp, err = a.client.SignUp(cmd.Context(), creds)
	} else {
		resp, err = a.client.SignIn(cmd.Context(), creds)
	}
	if err != nil {
		return err
	}

	if err := a.session.SignIn(auth.State{
		OwnerID:    resp.OwnerID,
		Email:      resp.Email,
		Token:      resp.Token,
		SignedInAt: time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("saving session: %w", err)
	}

	printStep("Syncing notes...")
	a.flush()
	printSuccess("Signed in as %s", resp.Email)
	return nil
}

func readPassword(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading password: %w", err)
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return "", fmt.Errorf("--password or a password on stdin is required")
	}
	return password, nil
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign out. Notes stay on this device",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), appOptions{})
		if err != nil {
			return err
		}
		defer a.close()

		if a.session.CurrentOwnerID() == "" {
			printWarning("Not signed in")
			return nil
		}
		if err := a.client.SignOut(cmd.Context()); err != nil && !errors.Is(err, remote.ErrUnauthorized) {
			printWarning("Could not revoke the session on the server: %v", err)
		}
		if err := a.session.SignOut(); err != nil {
			return fmt.Errorf("clearing session: %w", err)
		}
		printSuccess("Signed out")
		return nil
	},
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the signed-in account",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		session, err := auth.OpenFileSession(cfg.Storage.DataDir)
		if err != nil {
			return err
		}
		st := session.State()
		out := cmd.OutOrStdout()
		if st.OwnerID == "" {
			fmt.Fprintln(out, "Not signed in")
			return nil
		}
		fmt.Fprintf(out, "%s (%s)\n", st.Email, st.OwnerID)
		return nil
	},
}
