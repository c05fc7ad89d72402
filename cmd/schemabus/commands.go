package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/glimte/schemabus"
	"github.com/glimte/schemabus/contracts"
	"github.com/glimte/schemabus/health"
	"github.com/glimte/schemabus/messaging"
	"github.com/spf13/cobra"
)

func newSchemasCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "schemas",
		Short: "List registered schemas and their content-types",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client(cmd)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SCHEMA\tTYPE\tCONTENT-TYPE")
			for _, desc := range client.Registry().Descriptors() {
				fmt.Fprintf(w, "%s\t%s\t%s\n", desc.SchemaName, desc.TypeName, desc.ContentType)
			}
			return w.Flush()
		},
	}
}

func newValidateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <content-type> <file|->",
		Short: "Validate a JSON document and print it with schema defaults applied",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client(cmd)
			if err != nil {
				return err
			}

			doc, err := readDocument(cmd, args[1])
			if err != nil {
				return err
			}

			env, err := client.Envelope(args[0], doc)
			if err != nil {
				printValidationErrors(cmd.ErrOrStderr(), err)
				return err
			}

			return printJSON(cmd.OutOrStdout(), env)
		},
	}
}

func newPublishCommand(opts *rootOptions) *cobra.Command {
	var (
		facility        string
		facilityVersion string
		chain           []string
		noWait          bool
	)

	cmd := &cobra.Command{
		Use:   "publish <exchange> <content-type> <file|->",
		Short: "Validate a document and publish it to a headers exchange",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			client, err := opts.client(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := opts.withTimeout(cmd)
			defer cancel()
			defer closeClient(ctx, client, &err)

			doc, err := readDocument(cmd, args[2])
			if err != nil {
				return err
			}
			env, err := client.Envelope(args[1], doc)
			if err != nil {
				printValidationErrors(cmd.ErrOrStderr(), err)
				return err
			}

			publisher, err := client.Publisher(ctx, args[0], facility, facilityVersion)
			if err != nil {
				return err
			}

			id, err := publisher.Publish(ctx, env,
				messaging.WithMessageIDChain(chain),
				messaging.WithConfirm(!noWait))
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}

	cmd.Flags().StringVar(&facility, "facility", "schemabus-cli", "facility recorded in the app id")
	cmd.Flags().StringVar(&facilityVersion, "facility-version", "1", "facility version recorded in the app id")
	cmd.Flags().StringSliceVar(&chain, "chain", nil, "message id chain of the message that caused this one")
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "do not wait for the broker confirmation")

	return cmd
}

func newPurgeCommand(opts *rootOptions) *cobra.Command {
	var exchange string

	cmd := &cobra.Command{
		Use:   "purge <queue>",
		Short: "Remove every message from a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			client, err := opts.client(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := opts.withTimeout(cmd)
			defer cancel()
			defer closeClient(ctx, client, &err)

			queue, err := client.Queue(ctx, args[0], exchange)
			if err != nil {
				return err
			}

			count, err := queue.Purge(ctx)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "purged %d message(s) from %s\n", count, queue.Name())
			return nil
		},
	}

	cmd.Flags().StringVarP(&exchange, "exchange", "e", "", "headers exchange the queue is bound to")
	_ = cmd.MarkFlagRequired("exchange")

	return cmd
}

func newHealthCommand(opts *rootOptions) *cobra.Command {
	var exchanges []string

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check that the broker and exchanges are reachable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			client, err := opts.client(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := opts.withTimeout(cmd)
			defer cancel()
			defer closeClient(ctx, client, &err)

			registry := health.NewRegistry()
			if len(exchanges) == 0 {
				registry.Register(client.HealthChecker(""))
			}
			for _, exchange := range exchanges {
				registry.Register(client.HealthChecker(exchange))
			}

			report := registry.Check(ctx)
			if err := printJSON(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			if report.Status == health.StatusUnhealthy {
				return fmt.Errorf("broker is unhealthy")
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&exchanges, "exchange", "e", nil, "exchanges that must exist")

	return cmd
}

// closeClient closes the client and reports its error unless the command
// already failed. Unconfirmed publishes surface here.
func closeClient(ctx context.Context, client *schemabus.Client, err *error) {
	if closeErr := client.Close(ctx); closeErr != nil && *err == nil {
		*err = closeErr
	}
}

func readDocument(cmd *cobra.Command, path string) (contracts.Value, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return contracts.Value{}, fmt.Errorf("failed to read document: %w", err)
	}

	return contracts.ParseJSON(data)
}

func printValidationErrors(w io.Writer, err error) {
	var verr *contracts.ValidationError
	if !errors.As(err, &verr) {
		return
	}
	for _, fe := range verr.Errors {
		fmt.Fprintf(w, "  %s (%s)\n", fe.String(), fe.Code)
	}
}

func printJSON(w io.Writer, v interface{}) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
