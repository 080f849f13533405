package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/descope/virtualwebauthn"
	"github.com/spf13/cobra"

	"github.com/jmcleod/nopwd/client"
	"github.com/jmcleod/nopwd/email"
	"github.com/jmcleod/nopwd/session"
	"github.com/jmcleod/nopwd/webauthn"
)

var emailWait time.Duration

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in and store a session",
}

var loginEmailCmd = &cobra.Command{
	Use:   "email <address>",
	Short: "Sign in with a magic link",
	Long: `Sends a magic link to the address and waits for it to be opened. The link
returns to a listener on the callback URL, which must therefore point at
this machine.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		loc, err := email.NewLocation(cfg.CallbackURL)
		if err != nil {
			return err
		}
		ln, err := net.Listen("tcp", loc.URL().Host)
		if err != nil {
			return fmt.Errorf("failed to listen on callback address: %w", err)
		}
		c, err := newClient(client.WithLocation(loc))
		if err != nil {
			ln.Close()
			return err
		}
		defer c.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), emailWait)
		defer cancel()
		sess, err := emailLogin(ctx, c, loc, ln, args[0], cmd.OutOrStdout())
		if err != nil {
			return err
		}
		printSession(cmd.OutOrStdout(), &sess)
		return nil
	},
}

// emailLogin requests a magic link for addr and serves its callback on ln
// until the code arrives or ctx is done. ln is closed on return.
func emailLogin(ctx context.Context, c *client.Client, loc email.Location, ln net.Listener, addr string, out io.Writer) (session.Session, error) {
	callback := loc.URL()
	path := callback.Path
	if path == "" {
		path = "/"
	}
	arrived := make(chan struct{}, 1)
	mux := http.NewServeMux()
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		if !r.URL.Query().Has("code") {
			http.Error(w, "missing code", http.StatusBadRequest)
			return
		}
		u := *callback
		u.RawQuery = r.URL.RawQuery
		loc.Replace(&u)
		select {
		case arrived <- struct{}{}:
		default:
		}
		fmt.Fprintln(w, "Signed in. You can return to the terminal.")
	})
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go srv.Serve(ln)
	defer srv.Close()

	expires, err := c.RequestEmailLogin(ctx, addr, true)
	if err != nil {
		return session.Session{}, fmt.Errorf("failed to send magic link: %w", err)
	}
	fmt.Fprintf(out, "Magic link sent to %s, valid until %s. Waiting for it to be opened...\n",
		addr, expires.Local().Format(time.TimeOnly))

	select {
	case <-ctx.Done():
		return session.Session{}, fmt.Errorf("no magic link opened: %w", ctx.Err())
	case <-arrived:
	}
	sess, err := c.CompleteEmailLogin(ctx)
	if err != nil {
		return session.Session{}, fmt.Errorf("failed to redeem magic link: %w", err)
	}
	return sess, nil
}

var loginPasskeyCmd = &cobra.Command{
	Use:   "passkey",
	Short: "Register a software passkey and sign in with it",
	Long: `Registers a passkey for the signed-in account on an in-memory software
authenticator, then signs in with it. The passkey does not outlive the
command, so this is only useful against a development service.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		platform := webauthn.NewVirtualPlatform(virtualwebauthn.RelyingParty{
			Name:   "nopwd",
			ID:     cfg.RPID,
			Origin: cfg.RPOrigin,
		})
		c, err := newClient(client.WithPlatform(platform))
		if err != nil {
			return err
		}
		defer c.Close()

		sess, err := passkeyLogin(cmd.Context(), c, cmd.OutOrStdout())
		if err != nil {
			return err
		}
		printSession(cmd.OutOrStdout(), &sess)
		return nil
	},
}

var errNotSignedIn = errors.New("not signed in")

func passkeyLogin(ctx context.Context, c *client.Client, out io.Writer) (session.Session, error) {
	current, err := c.Init(ctx)
	if err != nil {
		return session.Session{}, err
	}
	if current == nil {
		return session.Session{}, fmt.Errorf("%w: sign in by email first", errNotSignedIn)
	}
	pk, err := c.Passkeys.Register(ctx, current.Token)
	if err != nil {
		return session.Session{}, fmt.Errorf("failed to register passkey: %w", err)
	}
	fmt.Fprintf(out, "Registered passkey %s (%s)\n", pk.ID, pk.Alg)

	sess, err := c.LoginWithPasskey(ctx, webauthn.WithMediation(webauthn.MediationRequired))
	if err != nil {
		return session.Session{}, fmt.Errorf("failed to sign in with passkey: %w", err)
	}
	return sess, nil
}

func init() {
	rootCmd.AddCommand(loginCmd)
	loginCmd.AddCommand(loginEmailCmd, loginPasskeyCmd)
	loginEmailCmd.Flags().DurationVar(&emailWait, "wait", 15*time.Minute, "how long to wait for the link to be opened")
}
