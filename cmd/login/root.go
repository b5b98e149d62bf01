package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/metricsplay/client/config"
	"github.com/metricsplay/client/internal/api"
	"github.com/metricsplay/client/internal/auth"
)

const passwordEnv = "METRICSPLAY_PASSWORD"

// session is what every subcommand needs, built once the flags are parsed.
type session struct {
	cfg   *config.Config
	store *auth.Store
	svc   *auth.Service
}

func openSession(logger *zap.Logger) (*session, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	store, err := auth.NewStore(cfg.Credentials.Path, cfg.Credentials.TTLDays, logger)
	if err != nil {
		return nil, fmt.Errorf("open credentials: %w", err)
	}
	client := api.NewClient(cfg.API.BaseURL, cfg.API.Timeout, store, logger)
	return &session{cfg: cfg, store: store, svc: auth.NewService(client, store, logger)}, nil
}

func newRootCmd(logger *zap.Logger) *cobra.Command {
	if logger == nil {
		logger = zap.NewNop()
	}
	root := &cobra.Command{
		Use:           "metricsplay-login",
		Short:         "Manage the stored metricsplay credentials",
		Long:          "Log in, sign up or log out. Credentials are shared with the agent and playback commands.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newAuthCmd(logger, "login", "Log in with an existing account"))
	root.AddCommand(newAuthCmd(logger, "signup", "Create an account and log in"))
	root.AddCommand(newLogoutCmd(logger))
	root.AddCommand(newWhoamiCmd(logger))
	return root
}

func newAuthCmd(logger *zap.Logger, use, short string) *cobra.Command {
	var username, password string

	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Long: fmt.Sprintf(`%s.

The password is read from --password, then $%s, then prompted for without echo.

Examples:
  metricsplay-login %s -u alice
  %s=secret metricsplay-login %s -u alice
`, short, passwordEnv, use, passwordEnv, use),
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				password = os.Getenv(passwordEnv)
			}
			if password == "" {
				pw, err := promptPassword(cmd)
				if err != nil {
					return err
				}
				password = pw
			}
			if password == "" {
				return errors.New("no password provided")
			}

			s, err := openSession(logger)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), s.cfg.API.Timeout)
			defer cancel()
			if use == "signup" {
				err = s.svc.Signup(ctx, username, password)
			} else {
				err = s.svc.Login(ctx, username, password)
			}
			if err != nil {
				return errors.New(api.AuthMessage(err))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s.\n", s.store.Username())
			return nil
		},
	}
	cmd.Flags().StringVarP(&username, "username", "u", "", "account username")
	cmd.Flags().StringVarP(&password, "password", "p", "", "account password (prefer the prompt or $"+passwordEnv+")")
	_ = cmd.MarkFlagRequired("username")
	return cmd
}

func newLogoutCmd(logger *zap.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove the stored credentials",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(logger)
			if err != nil {
				return err
			}
			if err := s.svc.Logout(); err != nil {
				return fmt.Errorf("logout: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Logged out.")
			return nil
		},
	}
}

func newWhoamiCmd(logger *zap.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Print the logged in username",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(logger)
			if err != nil {
				return err
			}
			u := s.store.CurrentUser()
			if u == nil {
				return errors.New("not logged in")
			}
			fmt.Fprintln(cmd.OutOrStdout(), u.Username)
			return nil
		},
	}
}

func promptPassword(cmd *cobra.Command) (string, error) {
	fmt.Fprint(cmd.OutOrStdout(), "Password: ")
	if f, ok := cmd.InOrStdin().(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(cmd.OutOrStdout())
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimSpace(line), nil
}
