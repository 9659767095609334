package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"commandcenter/internal/backend"
	"commandcenter/internal/repository"
	authsvc "commandcenter/internal/service/auth"
	pkgauth "commandcenter/pkg/auth"
	"commandcenter/pkg/mq"
	"commandcenter/pkg/outbox"
)

func adminCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Database, token and outbox maintenance",
	}
	cmd.AddCommand(
		migrateCmd(),
		tokenCmd(),
		loginCmd(),
		hashPasswordCmd(),
		outboxReplayCmd(),
	)
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			pool, err := openDB(cfg, log)
			if err != nil {
				return err
			}
			defer pool.Close()

			n, err := repository.Migrate(cmd.Context(), pool, log)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s)\n", n)
			return nil
		},
	}
}

func tokenCmd() *cobra.Command {
	var (
		ttl     time.Duration
		subject string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API token (owner by default, --subject for a client token)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if ttl <= 0 {
				ttl = cfg.JWTTTL()
			}
			var tok string
			if subject == "" {
				tok, err = authsvc.NewService(cfg.Auth.Email, cfg.Auth.PasswordHash, cfg.JWT.Secret, ttl).Issue()
			} else {
				tok, err = pkgauth.GenerateJWT(subject, cfg.JWT.Secret, ttl)
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default jwt.ttl_hours)")
	cmd.Flags().StringVar(&subject, "subject", "", "token subject; anything but the owner gets the client role")
	return cmd
}

func loginCmd() *cobra.Command {
	var password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in to the API server and print a token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			url := backendURL
			if url == "" {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				url = cfg.Backend.URL
			}
			resp, err := backend.NewClient(url, "", 30*time.Second, newLogger()).Login(cmd.Context(), password)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.Token)
			return nil
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "account password")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func hashPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password <password>",
		Short: "Print a bcrypt hash for auth.password_hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := pkgauth.HashPassword(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}

func outboxReplayCmd() *cobra.Command {
	var (
		id    int64
		limit int
	)
	cmd := &cobra.Command{
		Use:   "outbox-replay",
		Short: "Republish one outbox event (--id) or the failed ones",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			pool, err := openDB(cfg, log)
			if err != nil {
				return err
			}
			defer pool.Close()

			publisher, err := mq.NewPublisher(cfg.MQ.URL)
			if err != nil {
				return fmt.Errorf("connect mq: %w", err)
			}
			defer publisher.Close()

			replay := outbox.NewReplayService(outbox.NewRepository(pool), publisher, log)
			if id > 0 {
				if err := replay.ReplayEvent(cmd.Context(), id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "replayed event %d\n", id)
				return nil
			}
			n, err := replay.ReplayFailedEvents(cmd.Context(), limit)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "replayed %d failed event(s)\n", n)
			return nil
		},
	}
	cmd.Flags().Int64Var(&id, "id", 0, "outbox event id")
	cmd.Flags().IntVar(&limit, "limit", 100, "max failed events to replay")
	return cmd
}
