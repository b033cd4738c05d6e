// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/nikaeng/nika/internal/cli/format"
	"github.com/nikaeng/nika/internal/config"
	"github.com/nikaeng/nika/internal/datastore"
	"github.com/nikaeng/nika/internal/eventlog"
	"github.com/nikaeng/nika/internal/executor"
	"github.com/nikaeng/nika/internal/flow"
	"github.com/nikaeng/nika/internal/runner"
	"github.com/nikaeng/nika/internal/trace"
	"github.com/nikaeng/nika/pkg/observability"
)

// newCheckCommand parses and validates a workflow (schema, task shape, flow
// refs, DAG cycles) without executing any task. With --watch, it re-runs the
// same validation on every save instead of exiting after the first pass.
func newCheckCommand() *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "check <file.yaml>",
		Short: "Validate a workflow without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if watch {
				return watchCheck(cmd, args[0])
			}
			return checkOnce(cmd, args[0])
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "Re-validate on every save instead of exiting after one pass")
	return cmd
}

func checkOnce(cmd *cobra.Command, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	wf, err := flow.Parse(raw)
	if err != nil {
		fmt.Fprintln(cmd.OutOrStdout(), format.RenderError(err.Error()))
		return err
	}
	if _, err := wf.Graph(); err != nil {
		fmt.Fprintln(cmd.OutOrStdout(), format.RenderError(err.Error()))
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), format.RenderOK(fmt.Sprintf("%s: %d tasks, no cycles", path, len(wf.Tasks))))
	return nil
}

// watchCheck re-validates path every time its containing directory reports a
// write to it, until the command's context is cancelled (Ctrl-C). The first
// validation failure after a save is reported but does not stop watching.
func watchCheck(cmd *cobra.Command, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("starting watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(path), err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	_ = checkOnce(cmd, path)
	fmt.Fprintln(cmd.ErrOrStderr(), format.RenderLabel("watching for changes, press ctrl-c to stop"))

	for {
		select {
		case <-cmd.Context().Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			evAbs, err := filepath.Abs(ev.Name)
			if err != nil || evAbs != abs {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			_ = checkOnce(cmd, path)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			fmt.Fprintln(cmd.ErrOrStderr(), format.RenderWarn(err.Error()))
		}
	}
}

// newVersionCommand prints the CLI's build version.
func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			v, commit, date := GetVersion()
			fmt.Fprintf(cmd.OutOrStdout(), "nika %s (%s, built %s)\n", v, commit, date)
			return nil
		},
	}
}

// newTraceCommand groups "trace list"/"trace show" against the sqlite
// trace index.
func newTraceCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Inspect recorded workflow traces",
	}
	cmd.AddCommand(newTraceListCommand())
	cmd.AddCommand(newTraceShowCommand())
	return cmd
}

func newTraceListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List recorded traces",
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := trace.OpenIndex(traceIndexPath())
			if err != nil {
				return err
			}
			defer idx.Close()

			summaries, err := idx.List()
			if err != nil {
				return err
			}
			if len(summaries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), format.RenderLabel("no traces recorded yet"))
				return nil
			}
			for _, s := range summaries {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %-10s  %-20s  %s\n",
					s.StartedAt.Format(time.RFC3339), s.Status, s.Workflow, s.ID)
			}
			return nil
		},
	}
}

func newTraceShowCommand() *cobra.Command {
	var (
		remote    bool
		remoteURL string
	)
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Dump a recorded trace's events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var header trace.Header
			var events []eventlog.Event

			if remote {
				url := remoteURL
				if url == "" {
					url = os.Getenv("NIKA_TRACE_REMOTE_URL")
				}
				if url == "" {
					return fmt.Errorf("--remote requires --remote-url or NIKA_TRACE_REMOTE_URL")
				}
				secret := os.Getenv("NIKA_TRACE_REMOTE_SECRET")
				if secret == "" {
					return fmt.Errorf("--remote requires NIKA_TRACE_REMOTE_SECRET to sign the fetch's bearer token")
				}
				subject := os.Getenv("USER")
				if subject == "" {
					subject = "nika-cli"
				}
				h, ev, err := trace.FetchRemote(cmd.Context(), url, args[0], subject, secret)
				if err != nil {
					return err
				}
				header, events = h, ev
			} else {
				idx, err := trace.OpenIndex(traceIndexPath())
				if err != nil {
					return err
				}
				defer idx.Close()

				summary, err := idx.Get(args[0])
				if err != nil {
					return err
				}
				h, ev, err := trace.Read(summary.Path)
				if err != nil {
					return err
				}
				header, events = h, ev
			}

			fmt.Fprintln(cmd.OutOrStdout(), format.Header.Render(fmt.Sprintf("%s (%s)", header.Workflow, header.TraceID)))
			for _, ev := range events {
				fmt.Fprintf(cmd.OutOrStdout(), "  [%d] %-18s %s\n", ev.Seq, ev.Kind, ev.TaskID)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&remote, "remote", false, "Fetch the trace from a companion trace server instead of the local index")
	cmd.Flags().StringVar(&remoteURL, "remote-url", "", "Base URL of the companion trace server (default: $NIKA_TRACE_REMOTE_URL)")
	return cmd
}

// newTUICommand runs a workflow with an interactive observer attached. Per
// the spec, the full TUI application is out of scope: this wires an
// observer that subscribes to the Event Log and renders a plain line per
// event, satisfying the observer contract without a charmbracelet/bubbletea
// screen.
func newTUICommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "tui <file.yaml>",
		Short: "Run a workflow with the interactive observer attached",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkflow(cmd, args[0], true, *configPath, nil)
		},
	}
}

// newServeMetricsCommand runs a workflow like the bare invocation, but also
// starts a Prometheus scrape endpoint for the duration of the run, counting
// tasks run, retries, MCP reconnects, and agent turns from the Event Log.
func newServeMetricsCommand(configPath *string) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve-metrics <file.yaml>",
		Short: "Run a workflow while serving Prometheus metrics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			collector, err := observability.NewMetricsCollector()
			if err != nil {
				return err
			}
			defer collector.Shutdown(cmd.Context())

			mux := http.NewServeMux()
			mux.Handle("/metrics", collector.Handler())
			server := &http.Server{Addr: addr, Handler: mux}
			go func() {
				_ = server.ListenAndServe()
			}()
			defer server.Close()

			fmt.Fprintln(cmd.ErrOrStderr(), format.RenderLabel(fmt.Sprintf("serving metrics on %s/metrics", addr)))

			return runWorkflow(cmd, args[0], false, *configPath, collector)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":9090", "Address to serve /metrics on")
	return cmd
}

func traceIndexPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "nika-traces.db"
	}
	return filepath.Join(dir, "nika", "traces.db")
}

func traceDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "nika-traces"
	}
	return filepath.Join(dir, "nika", "traces")
}

// runWorkflow parses, wires, and executes one workflow file, streaming its
// Event Log to a trace file and, when interactive, to stdout. When metrics
// is non-nil, task/retry/MCP/agent counters are fed from the run's events.
func runWorkflow(cmd *cobra.Command, path string, interactive bool, configPath string, metrics *observability.MetricsCollector) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	wf, err := flow.Parse(raw)
	if err != nil {
		return err
	}

	cfg, warnings, err := config.LoadWithSecrets(configPath)
	if err != nil {
		return err
	}
	for _, w := range warnings {
		fmt.Fprintln(cmd.ErrOrStderr(), format.RenderWarn(w))
	}

	registry, err := buildRegistry(cfg, wf.DefaultProvider)
	if err != nil {
		return err
	}

	store := datastore.New()
	events := eventlog.New(true)
	ssrf := &executor.SSRFGuard{}
	exec := &executor.Executor{
		Providers: &runner.ProviderAdapter{Registry: registry},
		MCP:       runner.NewMCPPool(wf.MCPServers),
		HTTP: &http.Client{
			Timeout:   60 * time.Second,
			Transport: &http.Transport{DialContext: ssrf.DialContext(nil)},
		},
		SSRF:     ssrf,
		Events:   events,
		Workflow: wf,
	}

	run, err := runner.New(wf, store, events, exec, runner.Config{})
	if err != nil {
		return err
	}

	idx, err := trace.OpenIndex(traceIndexPath())
	if err != nil {
		return err
	}
	defer idx.Close()

	writer, err := trace.NewWriter(traceDir(), filepath.Base(path), events, idx)
	if err != nil {
		return err
	}

	var stopObserver func()
	if interactive {
		stopObserver = attachObserver(cmd, events)
	}

	stopSpans, shutdownSpans := attachSpanMirror(cmd.Context(), events)
	defer shutdownSpans(cmd.Context())

	var stopMetrics func()
	if metrics != nil {
		mirror := eventlog.NewMetricsMirror(metrics)
		stopMetrics = mirror.Attach(events)
	}

	results, runErr := run.Run(cmd.Context())

	if stopObserver != nil {
		stopObserver()
	}
	stopSpans()
	if stopMetrics != nil {
		stopMetrics()
	}

	status := "completed"
	if runErr != nil {
		status = string(run.Status())
	}
	if closeErr := writer.Close(status); closeErr != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), format.RenderWarn(closeErr.Error()))
	}

	printSummary(cmd, results)
	return runErr
}

// attachObserver subscribes to the Event Log and prints a line per event
// until the returned stop function is called.
func attachObserver(cmd *cobra.Command, log *eventlog.Log) func() {
	ch, unsubscribe := log.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range ch {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %-18s %s\n", format.RenderLabel(fmt.Sprintf("[%d]", ev.Seq)), ev.Kind, ev.TaskID)
		}
	}()
	return func() {
		unsubscribe()
		<-done
	}
}

// attachSpanMirror opens an OpenTelemetry tracer provider (stdout by
// default, a remote OTLP collector when NIKA_OTLP_ENDPOINT is set) and
// mirrors the run's Task/Agent lifecycle events as spans. If the provider
// fails to initialize (e.g. a misconfigured OTLP endpoint), the run
// proceeds without span mirroring rather than failing the workflow.
func attachSpanMirror(ctx context.Context, log *eventlog.Log) (stop func(), shutdown func(context.Context)) {
	v, _, _ := GetVersion()
	provider, err := observability.NewOTelProvider(ctx, "nika", v)
	if err != nil {
		return func() {}, func(context.Context) {}
	}

	mirror := eventlog.NewSpanMirror(provider)
	stopMirror := mirror.Attach(log)

	return stopMirror, func(ctx context.Context) {
		_ = provider.Shutdown(ctx)
	}
}

func printSummary(cmd *cobra.Command, results map[string]datastore.TaskResult) {
	ok, failed := 0, 0
	for _, r := range results {
		if r.Success {
			ok++
		} else {
			failed++
		}
	}
	if failed == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), format.RenderOK(fmt.Sprintf("%d tasks completed", ok)))
		return
	}
	fmt.Fprintln(cmd.OutOrStdout(), format.RenderError(fmt.Sprintf("%d tasks completed, %d failed", ok, failed)))
}
