package main

import (
	"fmt"

	"github.com/Nikunj-TUM/tyke/internal/dispatch"
	"github.com/Nikunj-TUM/tyke/internal/gateway"
	"github.com/Nikunj-TUM/tyke/internal/services"

	"github.com/spf13/cobra"
)

func newServeCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		Long: "Starts session supervision, instance discovery, the dispatch workers and the operator API.\n" +
			"In single mode the QR code for the default session is printed to the terminal.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := flags.load()
			if err != nil {
				return err
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			g, err := gateway.New(ctx, cfg, log, Version)
			if err != nil {
				return err
			}
			return g.Run(ctx)
		},
	}
}

func newSendCmd(flags *globalFlags) *cobra.Command {
	var (
		to       string
		message  string
		instance string
		name     string
	)

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Queue a message for delivery",
		Long:  "Publishes a send request to the work queue and records it as queued.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := flags.load()
			if err != nil {
				return err
			}
			if !cfg.Single() && instance == "" {
				return fmt.Errorf("--instance is required in %s mode", cfg.Mode)
			}

			queued, err := gateway.Enqueue(cmd.Context(), cfg, log, dispatch.Request{
				InstanceID:  dispatch.ParseSessionRef(instance),
				PhoneNumber: to,
				Message:     message,
				ContactName: name,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Queued message %s to %s\n", queued.MessageID, to)
			return nil
		},
	}

	cmd.Flags().StringVar(&to, "to", "", "destination phone number (required)")
	cmd.Flags().StringVar(&message, "message", "", "message text (required)")
	cmd.Flags().StringVar(&instance, "instance", "", "instance id to send from (multi mode)")
	cmd.Flags().StringVar(&name, "name", "", "contact name")
	cmd.MarkFlagRequired("to")
	cmd.MarkFlagRequired("message")
	return cmd
}

func newStatusListenCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status-listen",
		Short: "Fold status events into the message log",
		Long:  "Consumes the status queue and marks whatsapp_messages rows sent or failed.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := flags.load()
			if err != nil {
				return err
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return gateway.ListenStatus(ctx, cfg, log)
		},
	}
}

func newResetCountersCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "reset-counters",
		Short: "Reset every instance's daily message counter",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := flags.load()
			if err != nil {
				return err
			}
			n, err := gateway.ResetCounters(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Reset %d instance(s)\n", n)
			return nil
		},
	}
}

func newTokenCmd(flags *globalFlags) *cobra.Command {
	var subject string

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an operator API token",
		Long:  "Signs a token with JWT_SECRET without checking the operator password.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := flags.load()
			if err != nil {
				return err
			}
			auth := services.NewAuthService(cfg.JWTSecret, cfg.OperatorUsername, cfg.OperatorPasswordHash, cfg.JWTTTL)
			if subject == "" {
				subject = cfg.OperatorUsername
			}
			token, err := auth.GenerateToken(subject)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "", "token subject (defaults to OPERATOR_USERNAME)")
	return cmd
}

func newHashPasswordCmd() *cobra.Command {
	var password string

	cmd := &cobra.Command{
		Use:   "hash-password",
		Short: "Print a bcrypt hash for OPERATOR_PASSWORD_HASH",
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := services.HashPassword(password)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}

	cmd.Flags().StringVar(&password, "password", "", "operator password (required)")
	cmd.MarkFlagRequired("password")
	return cmd
}
