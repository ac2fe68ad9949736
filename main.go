// protoscan finds the structural implementations of Python protocols.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/phobologic/protoscan/internal/config"
	"github.com/phobologic/protoscan/internal/finder"
	"github.com/phobologic/protoscan/internal/model"
	"github.com/phobologic/protoscan/internal/toon"
	"github.com/phobologic/protoscan/internal/watch"
	"github.com/phobologic/protoscan/internal/workspace"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := runContext(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	return runContext(context.Background(), args, stdout, stderr)
}

func runContext(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	cmd := newRootCmd(stdout, stderr)
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

// globalFlags are shared by every command that loads a workspace.
type globalFlags struct {
	verbose      bool
	maxFileSize  int64
	noCache      bool
	includeTests bool
	exclude      []string
	workers      int
	scope        []string
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	var g globalFlags

	root := &cobra.Command{
		Use:           "protoscan",
		Short:         "Find structural implementations of Python protocols",
		Long:          "protoscan lists the classes, functions and lambdas that satisfy a typing.Protocol\nwithout inheriting from it.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetVersionTemplate("protoscan {{.Version}}\n")

	pf := root.PersistentFlags()
	pf.BoolVarP(&g.verbose, "verbose", "v", false, "enable debug logging")
	pf.Int64Var(&g.maxFileSize, "max-file-size", config.DefaultMaxFileSize, "skip files larger than this many bytes")
	pf.BoolVar(&g.noCache, "no-cache", false, "do not read or write the parse cache")
	pf.BoolVar(&g.includeTests, "include-tests", false, "keep test classes, test functions and test files in results")
	pf.StringSliceVar(&g.exclude, "exclude", nil, "glob of files whose declarations are ignored (repeatable)")
	pf.IntVar(&g.workers, "workers", 0, "parser concurrency (0 = GOMAXPROCS)")
	pf.StringSliceVar(&g.scope, "scope", nil, "restrict results to these path prefixes, relative to the root (repeatable)")

	root.AddCommand(
		newProtocolsCmd(&g, stdout, stderr),
		newImplsCmd(&g, stdout, stderr),
		newMemberCmd(&g, stdout, stderr),
		newWatchCmd(&g, stdout, stderr),
		newInitCmd(stdout, stderr),
	)
	return root
}

func newProtocolsCmd(g *globalFlags, stdout, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "protocols [path]",
		Short: "List the protocols declared in a repository",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := openWorkspace(cmd, g, pathArg(args, 0), newLogger(g, stderr))
			if err != nil {
				return err
			}
			defer w.Close()

			protos := w.Finder().Protocols(model.NewScope(g.scope...))
			_, _ = fmt.Fprintln(stdout, toon.EncodeProtocols(filepath.Base(w.Root()), protos))
			return nil
		},
	}
}

func newImplsCmd(g *globalFlags, stdout, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "impls <Protocol> [path]",
		Short: "List the implementations of a protocol",
		Long: `List the classes that structurally implement a protocol. For protocols that
only declare __call__, compatible free functions and lambdas are listed too.

Protocol is a qualified name (pkg.mod.Proto) or a simple name that identifies
exactly one class.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := openWorkspace(cmd, g, pathArg(args, 1), newLogger(g, stderr))
			if err != nil {
				return err
			}
			defer w.Close()

			f := w.Finder()
			p, err := f.Lookup(args[0])
			if err != nil {
				return err
			}
			return printImplementations(cmd.Context(), stdout, f, p, model.NewScope(g.scope...))
		},
	}
}

func newMemberCmd(g *globalFlags, stdout, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "member <Protocol.member> [path]",
		Short: "Show where each implementation defines a protocol member",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			protoName, member, err := finder.SplitMember(args[0])
			if err != nil {
				return err
			}
			w, err := openWorkspace(cmd, g, pathArg(args, 1), newLogger(g, stderr))
			if err != nil {
				return err
			}
			defer w.Close()

			f := w.Finder()
			p, err := f.Lookup(protoName)
			if err != nil {
				return err
			}
			members, err := f.FindMemberImplementations(cmd.Context(), p, member, model.NewScope(g.scope...))
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(stdout, toon.EncodeMembers(p, member, members))
			return nil
		},
	}
}

func newWatchCmd(g *globalFlags, stdout, stderr io.Writer) *cobra.Command {
	var (
		protoName   string
		metricsAddr string
	)
	cmd := &cobra.Command{
		Use:   "watch [path]",
		Short: "Keep a protocol's implementations up to date as files change",
		Long: `Print the implementations of a protocol, then print them again whenever a
Python file change alters them. Runs until interrupted.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := newLogger(g, stderr)
			w, err := openWorkspace(cmd, g, pathArg(args, 0), logger)
			if err != nil {
				return err
			}
			defer w.Close()

			if metricsAddr != "" {
				_, shutdown, err := serveMetrics(metricsAddr, logger)
				if err != nil {
					return err
				}
				defer shutdown()
			}

			f := w.Finder()
			scope := model.NewScope(g.scope...)
			p, err := f.Lookup(protoName)
			if err != nil {
				return err
			}
			if err := printImplementations(ctx, stdout, f, p, scope); err != nil {
				return err
			}

			changes := make(chan string, 64)
			watcher, err := watch.New(watch.WithLogger(logger))
			if err != nil {
				return fmt.Errorf("starting watcher: %w", err)
			}
			defer watcher.Stop()
			if err := watcher.Watch(w.Root(), func(path string) {
				select {
				case changes <- path:
				case <-ctx.Done():
				}
			}); err != nil {
				return fmt.Errorf("watching %s: %w", w.Root(), err)
			}

			for {
				select {
				case <-ctx.Done():
					return nil
				case path := <-changes:
					change, err := w.Refresh(ctx, path)
					if err != nil {
						logger.Warn("refresh failed", "path", path, "err", err)
						continue
					}
					if change.Unchanged {
						continue
					}
					logger.Info("file changed", "path", change.Path, "removed", change.Removed, "full", change.Full)
					if p, err = f.Lookup(protoName); err != nil {
						logger.Warn("protocol unavailable", "err", err)
						continue
					}
					if err := printImplementations(ctx, stdout, f, p, scope); err != nil {
						if errors.Is(err, context.Canceled) {
							return nil
						}
						return err
					}
				}
			}
		},
	}
	cmd.Flags().StringVarP(&protoName, "protocol", "p", "", "protocol to watch (required)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9090)")
	_ = cmd.MarkFlagRequired("protocol")
	return cmd
}

// serveMetrics exposes the default Prometheus registry on addr. It returns
// the bound address and a function that shuts the server down.
func serveMetrics(addr string, logger *slog.Logger) (string, func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", nil, fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", "err", err)
		}
	}()
	logger.Info("serving metrics", "addr", ln.Addr().String())
	return ln.Addr().String(), func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}

func printImplementations(ctx context.Context, stdout io.Writer, f *finder.Finder, p *model.Type, scope model.Scope) error {
	impls, err := f.FindImplementations(ctx, p, scope)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(stdout, toon.EncodeImplementations(p, impls, f.IsCallableOnlyProtocol(p)))
	return nil
}

func pathArg(args []string, i int) string {
	if len(args) > i {
		return args[i]
	}
	return "."
}

func newLogger(g *globalFlags, stderr io.Writer) *slog.Logger {
	level := slog.LevelWarn
	if g.verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))
}

// openWorkspace loads the configuration for root, applies the flags the
// user set explicitly and parses the repository.
func openWorkspace(cmd *cobra.Command, g *globalFlags, root string, logger *slog.Logger) (*workspace.Workspace, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving root: %w", err)
	}
	cfg, err := config.Load(abs)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("max-file-size") {
		cfg.MaxFileSize = g.maxFileSize
	}
	if flags.Changed("no-cache") {
		cfg.ParseCache = !g.noCache
	}
	if flags.Changed("include-tests") {
		cfg.ExcludeTests = !g.includeTests
	}
	if flags.Changed("exclude") {
		cfg.Exclude = append(cfg.Exclude, g.exclude...)
	}
	if flags.Changed("workers") {
		cfg.Workers = g.workers
	}

	return workspace.Open(cmd.Context(), abs, cfg, workspace.WithLogger(logger))
}
