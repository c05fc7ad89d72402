package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/glimte/schemabus"
	"github.com/glimte/schemabus/config"
	"github.com/spf13/cobra"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// rootOptions are the flags shared by every command
type rootOptions struct {
	configPath string
	namespace  string
	schemas    []string
	url        string
	verbose    bool
	timeout    time.Duration

	clientOptions []schemabus.ClientOption
}

func newRootCommand(clientOptions ...schemabus.ClientOption) *cobra.Command {
	opts := &rootOptions{clientOptions: clientOptions}

	rootCmd := &cobra.Command{
		Use:   "schemabus",
		Short: "Inspect schemas and exercise schemabus exchanges",
		Long: `schemabus validates documents against the registered JSON schemas and
publishes, purges or health-checks RabbitMQ headers exchanges using the same
conventions as the library.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "YAML configuration file")
	flags.StringVarP(&opts.namespace, "namespace", "n", "", "content-type namespace when no configuration file is given")
	flags.StringSliceVarP(&opts.schemas, "schemas", "s", nil, "schema files or directories to register")
	flags.StringVarP(&opts.url, "url", "u", "", "RabbitMQ connection URL, overrides the configuration file")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")
	flags.DurationVar(&opts.timeout, "timeout", 10*time.Second, "broker operation timeout")

	rootCmd.AddCommand(
		newSchemasCommand(opts),
		newValidateCommand(opts),
		newPublishCommand(opts),
		newPurgeCommand(opts),
		newHealthCommand(opts),
	)

	return rootCmd
}

func (o *rootOptions) logger(cmd *cobra.Command) *slog.Logger {
	level := slog.LevelWarn
	if o.verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
}

// client builds a client from the configuration file, if any, and the flags
func (o *rootOptions) client(cmd *cobra.Command) (*schemabus.Client, error) {
	options := []schemabus.ClientOption{schemabus.WithLogger(o.logger(cmd))}

	if o.url != "" {
		conn, err := config.ParseURL(o.url)
		if err != nil {
			return nil, err
		}
		options = append(options, schemabus.WithConnection(conn))
	}
	options = append(options, o.clientOptions...)

	var (
		client *schemabus.Client
		err    error
	)
	switch {
	case o.configPath != "":
		client, err = schemabus.NewClientFromConfig(o.configPath, options...)
	case o.namespace != "":
		client, err = schemabus.NewClient(o.namespace, options...)
	default:
		return nil, fmt.Errorf("either --config or --namespace is required")
	}
	if err != nil {
		return nil, err
	}

	for _, path := range o.schemas {
		if _, err := client.RegisterSchemas(path); err != nil {
			return nil, err
		}
	}

	return client, nil
}

// withTimeout bounds a broker operation by the --timeout flag
func (o *rootOptions) withTimeout(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), o.timeout)
}
