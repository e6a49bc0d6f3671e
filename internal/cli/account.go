package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chadiek/taxmate/internal/account"
)

var loginCmd = &cobra.Command{
	Use:   "login <email>",
	Short: "Sign in locally",
	Long: `Record the signed-in user in SESSION_FILE. This is a local placeholder:
no password is asked for and nothing is verified.`,
	Args: cobra.ExactArgs(1),
	RunE: runLogin,
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the signed-in user",
	Args:  cobra.NoArgs,
	RunE:  runLogout,
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the signed-in user",
	Args:  cobra.NoArgs,
	RunE:  runWhoami,
}

func openAccount() (*account.Session, error) {
	cfg, _ := setup()
	sess, err := account.Open(cfg.SessionFile)
	if err != nil {
		return nil, fmt.Errorf("failed to open session: %w", err)
	}
	return sess, nil
}

func runLogin(cmd *cobra.Command, args []string) error {
	sess, err := openAccount()
	if err != nil {
		return err
	}
	u, err := sess.SignIn(args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Signed in as %s <%s>\n", u.Name, u.Email)
	return nil
}

func runLogout(cmd *cobra.Command, args []string) error {
	sess, err := openAccount()
	if err != nil {
		return err
	}
	if err := sess.SignOut(); err != nil {
		return fmt.Errorf("failed to sign out: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Signed out.")
	return nil
}

func runWhoami(cmd *cobra.Command, args []string) error {
	sess, err := openAccount()
	if err != nil {
		return err
	}
	u, ok := sess.User()
	if !ok {
		return fmt.Errorf("not signed in; run: taxmate login <email>")
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s <%s> since %s\n", u.Name, u.Email, u.SignedInAt.Format("2006-01-02 15:04"))
	return nil
}
