package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"contentfleet/pkg/api"
	"contentfleet/pkg/config"
	"contentfleet/pkg/eventbus"
	"contentfleet/pkg/storage"
)

const cliName = "cli"

// newPublishCmd publishes a raw event, which is how operators replay an
// event a consumer dropped.
func newPublishCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "publish ROUTING_KEY [FILE|-]",
		Short: "Publish a JSON event body read from FILE or stdin",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := config.Load(cliName, *configPath)
			if err != nil {
				return err
			}
			body, err := readPayload(args[1:])
			if err != nil {
				return err
			}
			if !json.Valid(body) {
				return errors.New("event body is not valid json")
			}

			logger := config.NewLogger(os.Stderr, opts.Log, cliName)
			r := opts.RabbitMQ
			bus := eventbus.New(
				eventbus.AMQPDialer(storage.RabbitMQURI(r.Username, r.Password, r.Address, r.Port, r.Vhost), cliName),
				eventbus.Options{
					Exchange:        r.Exchange,
					ConnectAttempts: opts.Bus.ConnectAttempts,
					ConnectBackoff:  opts.Bus.ConnectBackoff,
					Prefetch:        opts.Bus.Prefetch,
					MaxInFlight:     opts.Bus.MaxInFlight,
					Name:            cliName,
				}, logger)
			defer bus.Close()

			ctx := cmd.Context()
			if err := bus.Connect(ctx); err != nil {
				return err
			}
			if err := bus.Publish(ctx, args[0], json.RawMessage(body)); err != nil {
				return err
			}
			logger.Info("event published", "routing_key", args[0], "bytes", len(body))
			return nil
		},
	}
}

func newTokenCmd(configPath *string) *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token USER_ID",
		Short: "Issue a bearer token for USER_ID signed with the configured secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := config.Load(cliName, *configPath)
			if err != nil {
				return err
			}
			if opts.Auth.JWTSecret == "" {
				return errors.New("auth jwt_secret is required")
			}
			token, err := api.NewAuthenticator(opts.Auth.JWTSecret).IssueToken(args[0], ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

// readPayload reads an event body from a file argument or stdin.
func readPayload(args []string) ([]byte, error) {
	if len(args) == 0 || args[0] == "-" {
		b, err := io.ReadAll(os.Stdin)
		return b, errors.Wrap(err, "reading stdin")
	}
	b, err := os.ReadFile(args[0])
	return b, errors.Wrapf(err, "reading %s", args[0])
}
