package main

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"tenantly.dev/internal/auth"
	"tenantly.dev/internal/auth/rest"
	"tenantly.dev/internal/config"
	"tenantly.dev/internal/obs"
	"tenantly.dev/internal/persist"
	"tenantly.dev/internal/session"
)

type globalFlags struct {
	config  string
	profile string
	asJSON  bool
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "consolectl",
		Short:         "Manage the console session and active tenant",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.config, "config", "", "config file (default $CONSOLE_CONFIG or ./console.yaml)")
	root.PersistentFlags().StringVar(&g.profile, "profile", "", "session profile (overrides store.profile)")
	root.PersistentFlags().BoolVar(&g.asJSON, "json", false, "print JSON")

	root.AddCommand(
		newLoginCmd(g),
		newRegisterCmd(g),
		newLogoutCmd(g),
		newWhoamiCmd(g),
		newTenantsCmd(g),
		newUseCmd(g),
		newMigrateCmd(g),
	)
	return root
}

// app is one invocation's session, restored from the store.
type app struct {
	sess  *session.Coordinator
	store persist.Store
	out   io.Writer
	json  bool
}

func openApp(cmd *cobra.Command, g *globalFlags) (*app, error) {
	cfg, err := config.Load(g.config)
	if err != nil {
		return nil, err
	}
	if g.profile != "" {
		cfg.Store.Profile = g.profile
	}
	// Keep stdout for command output.
	obs.InitLogger(obs.LogConfig{Level: cfg.Log.Level, Format: "console", Output: cmd.ErrOrStderr()})

	store, err := persist.Open(cmd.Context(), cfg.Store)
	if err != nil {
		return nil, err
	}
	client, err := rest.New(cfg.API.BaseURL, store, rest.OptionsFromConfig(cfg.API)...)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	sess := session.New(client)
	sess.Initialize(cmd.Context())
	return &app{sess: sess, store: store, out: cmd.OutOrStdout(), json: g.asJSON}, nil
}

func (a *app) Close() {
	a.sess.Close()
	_ = a.store.Close()
}

// withApp opens the session around fn.
func withApp(g *globalFlags, fn func(cmd *cobra.Command, args []string, a *app) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd, g)
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(cmd, args, a)
	}
}

func newLoginCmd(g *globalFlags) *cobra.Command {
	var identifier, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in with an email or phone number",
		RunE: withApp(g, func(cmd *cobra.Command, args []string, a *app) error {
			err := a.sess.SignIn(cmd.Context(), auth.Credentials{Identifier: identifier, Password: password})
			if err != nil {
				return err
			}
			return a.printSession()
		}),
	}
	cmd.Flags().StringVarP(&identifier, "identifier", "u", "", "email or phone")
	cmd.Flags().StringVarP(&password, "password", "p", "", "password")
	_ = cmd.MarkFlagRequired("identifier")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func newRegisterCmd(g *globalFlags) *cobra.Command {
	var in session.SignUpInput
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account and sign in",
		RunE: withApp(g, func(cmd *cobra.Command, args []string, a *app) error {
			if err := a.sess.SignUp(cmd.Context(), in); err != nil {
				return err
			}
			return a.printSession()
		}),
	}
	cmd.Flags().StringVar(&in.FullName, "name", "", "full name")
	cmd.Flags().StringVar(&in.Email, "email", "", "email")
	cmd.Flags().StringVar(&in.Phone, "phone", "", "phone")
	cmd.Flags().StringVarP(&in.Password, "password", "p", "", "password")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func newLogoutCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and forget the stored session",
		RunE: withApp(g, func(cmd *cobra.Command, args []string, a *app) error {
			if err := a.sess.SignOut(cmd.Context()); err != nil {
				// The local session is gone either way.
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
			}
			fmt.Fprintln(a.out, "signed out")
			return nil
		}),
	}
}

func newWhoamiCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in user and active tenant",
		RunE: withApp(g, func(cmd *cobra.Command, args []string, a *app) error {
			return a.printSession()
		}),
	}
}

func newTenantsCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "tenants",
		Short: "List the tenants of the signed-in user",
		RunE: withApp(g, func(cmd *cobra.Command, args []string, a *app) error {
			st := a.sess.State()
			if !st.Authenticated() {
				return errNotSignedIn(st)
			}
			if a.json {
				return a.writeJSON(st.Tenants)
			}
			tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "\tID\tNAME\tTAX ID\tROLE")
			for _, m := range st.Tenants {
				mark := ""
				if m.ID == st.TenantID() {
					mark = "*"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", mark, m.ID, m.Name, m.TaxID, m.Role)
			}
			return tw.Flush()
		}),
	}
}

func newUseCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "use <tenant-id>",
		Short: "Switch the active tenant",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(g, func(cmd *cobra.Command, args []string, a *app) error {
			if !a.sess.State().Authenticated() {
				return errNotSignedIn(a.sess.State())
			}
			if err := a.sess.SelectTenant(cmd.Context(), args[0]); err != nil {
				return err
			}
			if got := a.sess.State().TenantID(); got != args[0] {
				return fmt.Errorf("%w: %s", auth.ErrTenantNotFound, args[0])
			}
			return a.printSession()
		}),
	}
}

func errNotSignedIn(st session.State) error {
	if st.Error != "" {
		return fmt.Errorf("not signed in: %s", st.Error)
	}
	return errors.New("not signed in; run consolectl login")
}

func (a *app) printSession() error {
	st := a.sess.State()
	if a.json {
		return a.writeJSON(struct {
			Authenticated bool                   `json:"authenticated"`
			User          *auth.User             `json:"user"`
			CurrentTenant *auth.TenantMembership `json:"current_tenant"`
			Error         string                 `json:"error,omitempty"`
		}{st.Authenticated(), st.User, st.CurrentTenant, st.Error})
	}
	if !st.Authenticated() {
		return errNotSignedIn(st)
	}
	fmt.Fprintf(a.out, "user:   %s (%s)\n", st.User.FullName(), st.User.ID)
	if st.CurrentTenant != nil {
		fmt.Fprintf(a.out, "tenant: %s (%s, %s)\n", st.CurrentTenant.Name, st.CurrentTenant.ID, st.CurrentTenant.Role)
	} else {
		fmt.Fprintf(a.out, "tenant: none selected (%d available)\n", len(st.Tenants))
	}
	return nil
}

func (a *app) writeJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
