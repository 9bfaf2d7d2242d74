package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pocat-io/messagebus"
	"github.com/pocat-io/messagebus/config"
	"github.com/pocat-io/messagebus/contracts"
	"github.com/pocat-io/messagebus/health"
	"github.com/pocat-io/messagebus/interceptors"
)

var (
	// Version information
	version   = "dev"
	gitCommit = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type globalFlags struct {
	configPath string
	verbose    bool
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "mbus",
		Short: "Publish, consume and probe the message bus",
		Long: `mbus talks to the message bus described by a descriptor document.
Addresses have the form namespace:topic.`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, gitCommit),
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "mbus.yaml", "Descriptor document")
	rootCmd.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(
		newPublishCmd(flags),
		newListenCmd(flags),
		newRequestCmd(flags),
		newHealthCmd(flags),
	)
	return rootCmd
}

func (f *globalFlags) logger(w io.Writer) *slog.Logger {
	level := slog.LevelWarn
	if f.verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func (f *globalFlags) client(cmd *cobra.Command, opts ...messagebus.ClientOption) (*messagebus.Client, *config.FileProvider, error) {
	provider, err := config.NewFileProvider(f.configPath)
	if err != nil {
		return nil, nil, err
	}
	opts = append([]messagebus.ClientOption{messagebus.WithLogger(f.logger(cmd.ErrOrStderr()))}, opts...)
	client, err := messagebus.NewClient(provider, opts...)
	if err != nil {
		return nil, nil, err
	}
	return client, provider, nil
}

func newPublishCmd(flags *globalFlags) *cobra.Command {
	var (
		headers []string
		data    string
	)
	cmd := &cobra.Command{
		Use:   "publish <namespace:topic>",
		Short: "Publish one message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := parseHeaders(headers)
			if err != nil {
				return err
			}
			client, _, err := flags.client(cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.Publish(cmd.Context(), args[0], h, []byte(data)); err != nil {
				return fmt.Errorf("failed to publish: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "published %d bytes to %s\n", len(data), args[0])
			return nil
		},
	}
	cmd.Flags().StringArrayVarP(&headers, "header", "H", nil, "Header as key=value (repeatable)")
	cmd.Flags().StringVarP(&data, "data", "d", "", "Message payload")
	return cmd
}

func newListenCmd(flags *globalFlags) *cobra.Command {
	var filters []string
	cmd := &cobra.Command{
		Use:   "listen <group> <namespace:topic>...",
		Short: "Print deliveries until interrupted",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			match, err := parseHeaders(filters)
			if err != nil {
				return err
			}
			logger := flags.logger(cmd.ErrOrStderr())
			chain := []interceptors.Interceptor{
				interceptors.NewRecoveryInterceptor(logger),
				interceptors.NewLoggingInterceptor(logger),
			}
			for k, v := range match {
				chain = append(chain, interceptors.NewFilteringInterceptor(interceptors.NewHeaderFilter(k, v)))
			}

			client, _, err := flags.client(cmd, messagebus.WithInterceptors(chain...))
			if err != nil {
				return err
			}
			defer client.Close()

			out := cmd.OutOrStdout()
			err = client.Listen(ctx, args[0], func(source string, headers contracts.Headers, payload []byte) {
				fmt.Fprintf(out, "%s %s %s\n", source, formatHeaders(headers), payload)
			}, args[1:]...)
			if err != nil {
				return fmt.Errorf("failed to listen: %w", err)
			}

			fmt.Fprintf(cmd.ErrOrStderr(), "listening as %s on %s. Press Ctrl+C to stop\n", args[0], strings.Join(args[1:], ", "))
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&filters, "filter-header", nil, "Only print deliveries with this header as key=value (repeatable)")
	return cmd
}

func newRequestCmd(flags *globalFlags) *cobra.Command {
	var (
		headers []string
		data    string
		replyTo string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "request <namespace:topic>",
		Short: "Send a request and wait for its reply",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := parseHeaders(headers)
			if err != nil {
				return err
			}
			if replyTo == "" {
				return fmt.Errorf("--reply-to is required")
			}
			client, _, err := flags.client(cmd, messagebus.WithReplyAddress(replyTo))
			if err != nil {
				return err
			}
			defer client.Close()

			reply, err := client.Request(cmd.Context(), args[0], h, []byte(data), ttl)
			if reply != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "%d %s %s\n", reply.Status(), formatHeaders(reply.Headers), reply.Payload)
			}
			return err
		},
	}
	cmd.Flags().StringArrayVarP(&headers, "header", "H", nil, "Header as key=value (repeatable)")
	cmd.Flags().StringVarP(&data, "data", "d", "", "Request payload")
	cmd.Flags().StringVar(&replyTo, "reply-to", "", "Address replies are sent to")
	cmd.Flags().DurationVar(&ttl, "ttl", 5*time.Second, "How long to wait for the reply")
	return cmd
}

func newHealthCmd(flags *globalFlags) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "health [namespace...]",
		Short: "Check the endpoints behind namespaces",
		Long:  "Check the endpoints behind the given namespaces, or behind every namespace of the document.",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, provider, err := flags.client(cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			names := args
			if len(names) == 0 {
				names = provider.NamespaceNames()
			}
			for _, name := range names {
				if err := client.WatchNamespace(name); err != nil {
					return err
				}
			}

			if listen != "" {
				return serveHealth(cmd.Context(), listen, client.Health())
			}

			overall := client.Health().Check(cmd.Context())
			printHealth(cmd.OutOrStdout(), overall)
			if overall.Status == health.StatusUnhealthy {
				return errors.New("unhealthy")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "Serve /health and /live on this address instead of checking once")
	return cmd
}

func serveHealth(ctx context.Context, addr string, registry *health.Registry) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	mux := http.NewServeMux()
	mux.Handle("/health", health.NewHandler(registry, 10*time.Second))
	mux.Handle("/live", health.LivenessHandler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func printHealth(w io.Writer, overall health.OverallHealth) {
	fmt.Fprintf(w, "System Health: %s\n", overall.Status)
	names := make([]string, 0, len(overall.Checks))
	for name := range overall.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		check := overall.Checks[name]
		fmt.Fprintf(w, "  %-40s %-10s %s", name, check.Status, check.Message)
		if check.Error != "" {
			fmt.Fprintf(w, " (%s)", check.Error)
		}
		fmt.Fprintln(w)
	}
}

func parseHeaders(raw []string) (contracts.Headers, error) {
	headers := contracts.Headers{}
	for _, kv := range raw {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid header %q, expected key=value", kv)
		}
		headers[k] = v
	}
	return headers, nil
}

func formatHeaders(headers contracts.Headers) string {
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + headers[k]
	}
	return "{" + strings.Join(parts, " ") + "}"
}
