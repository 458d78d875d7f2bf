package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/chittyos/evidence-ledger/cmd/evidence/container"
	"github.com/chittyos/evidence-ledger/cmd/evidence/routes"
	"github.com/chittyos/evidence-ledger/cmd/evidence/service"
	"github.com/chittyos/evidence-ledger/common/bootstrap"
	"github.com/chittyos/evidence-ledger/common/config"
	"github.com/chittyos/evidence-ledger/common/ledger"
	"github.com/chittyos/evidence-ledger/common/logger"
	"github.com/chittyos/evidence-ledger/common/models"
	"github.com/chittyos/evidence-ledger/common/server"
)

const serviceName = "evidence"

// app carries the global flags shared by every command
type app struct {
	configFile string
	logLevel   string
	logFormat  string
	backend    string
	dir        string

	// logger replaces the configured logger when set
	logger *logger.Logger
}

func newApp() *app {
	return &app{}
}

// setup loads configuration, applies flag overrides and builds the
// service container. The returned func releases every component.
func (a *app) setup(ctx context.Context, override func(cfg *config.Config)) (*container.Container, func(), error) {
	cfg, err := config.Load(serviceName, a.configFile)
	if cfg == nil {
		return nil, nil, fmt.Errorf("%w: %w", bootstrap.ErrConfig, err)
	}
	// Setup validates again once the flags are applied

	if a.logLevel != "" {
		cfg.Service.LogLevel = a.logLevel
	}
	if a.logFormat != "" {
		cfg.Service.LogFormat = a.logFormat
	}
	if a.backend != "" {
		cfg.Ledger.Backend = a.backend
	}
	if a.dir != "" {
		cfg.Ledger.Dir = a.dir
	}
	if override != nil {
		override(cfg)
	}

	opts := []bootstrap.Option{bootstrap.WithCustomConfig(cfg)}
	if a.logger != nil {
		opts = append(opts, bootstrap.WithCustomLogger(a.logger))
	}
	comps, err := bootstrap.Setup(ctx, serviceName, opts...)
	if err != nil {
		return nil, nil, err
	}
	done := func() {
		_ = comps.Shutdown(context.WithoutCancel(ctx))
	}

	c, err := container.NewContainer(comps)
	if err != nil {
		done()
		return nil, nil, fmt.Errorf("%w: %w", bootstrap.ErrConfig, err)
	}
	return c, done, nil
}

func usageArgs(v cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := v(cmd, args); err != nil {
			return fmt.Errorf("%w: %w", errUsage, err)
		}
		return nil
	}
}

func usageError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errUsage, fmt.Sprintf(format, args...))
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "evidence",
		Short:         "Content-addressed evidence identity and versioning",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return fmt.Errorf("%w: %w", errUsage, err)
	})

	pf := root.PersistentFlags()
	pf.StringVar(&a.configFile, "config", "", "config file (yaml or json)")
	pf.StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.StringVar(&a.logFormat, "log-format", "", "log format: text or json")
	pf.StringVar(&a.backend, "ledger-backend", "", "ledger backend: file or postgres")
	pf.StringVar(&a.dir, "ledger-dir", "", "ledger directory for the file backend")

	root.AddCommand(
		newIngestCmd(a),
		newResumeCmd(a),
		newDiffCmd(a),
		newListCmd(a),
		newShowCmd(a),
		newRunsCmd(a),
		newStatusCmd(a),
		newVerifyCmd(a),
		newArchiveCmd(a),
		newAnnotateCmd(a),
		newCompactCmd(a),
		newServeCmd(a),
	)
	return root
}

func checkFormat(format string) error {
	switch strings.ToLower(format) {
	case "", "json", "yaml", "yml":
		return nil
	}
	return usageError("unknown report format %q", format)
}

func newIngestCmd(a *app) *cobra.Command {
	var (
		workers      int
		reportFile   string
		reportFormat string
		filterExpr   string
		caseID       string
	)

	cmd := &cobra.Command{
		Use:   "ingest <dir|file>...",
		Short: "Hash files, record them in the ledger and mint missing identifiers",
		Args:  usageArgs(cobra.MinimumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkFormat(reportFormat); err != nil {
				return err
			}

			c, done, err := a.setup(cmd.Context(), func(cfg *config.Config) {
				if cmd.Flags().Changed("workers") {
					cfg.Ingest.Workers = workers
				}
				if cmd.Flags().Changed("filter") {
					cfg.Ingest.Filter = filterExpr
				}
				if caseID != "" {
					cfg.Ingest.CaseID = caseID
				}
			})
			if err != nil {
				return err
			}
			defer done()

			if t := c.Components.Telemetry; t != nil {
				defer t.RecordDuration("ingest", time.Now())
			}

			report, err := c.Orchestrator.Run(cmd.Context(), args)
			return finishRun(cmd.OutOrStdout(), report, err, reportFile, reportFormat)
		},
	}

	f := cmd.Flags()
	f.IntVar(&workers, "workers", 0, "parallel hashing and minting workers")
	f.StringVar(&reportFile, "report", "", "write the run report to this file")
	f.StringVar(&reportFormat, "report-format", "", "report format: json or yaml (default from extension)")
	f.StringVar(&filterExpr, "filter", "", "CEL file filter, e.g. '!file.hidden && file.ext == \".pdf\"'")
	f.StringVar(&caseID, "case-id", "", "case id stamped into mint metadata")
	return cmd
}

func newResumeCmd(a *app) *cobra.Command {
	var (
		reportFile   string
		reportFormat string
	)

	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Mint identifiers for records left pending or failed",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := checkFormat(reportFormat); err != nil {
				return err
			}
			c, done, err := a.setup(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer done()

			report, err := c.Orchestrator.Resume(cmd.Context())
			return finishRun(cmd.OutOrStdout(), report, err, reportFile, reportFormat)
		},
	}

	cmd.Flags().StringVar(&reportFile, "report", "", "write the run report to this file")
	cmd.Flags().StringVar(&reportFormat, "report-format", "", "report format: json or yaml")
	return cmd
}

// finishRun prints the summary and failures and turns the outcome into
// the command error
func finishRun(out io.Writer, report *service.RunReport, runErr error, reportFile, reportFormat string) error {
	if report == nil {
		return runErr
	}

	fmt.Fprintln(out, report.Summary())
	failures := report.Failures()
	for _, f := range failures {
		fmt.Fprintf(out, "  FAILED %s [%s] %s\n", f.Path, f.ErrorKind, f.Error)
	}

	if reportFile != "" {
		if err := report.WriteFile(reportFile, reportFormat); err != nil {
			return errors.Join(runErr, err)
		}
	}
	if runErr != nil {
		return runErr
	}
	if len(failures) > 0 {
		return errFilesFailed
	}
	return nil
}

func newDiffCmd(a *app) *cobra.Command {
	var (
		since  string
		cursor string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "diff --since <RFC3339|date|run-id>",
		Short: "Stream records created or touched since a time or run as JSON lines",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if since == "" {
				return usageError("--since is required")
			}
			ref, err := ledger.ParseReference(since)
			if err != nil {
				return fmt.Errorf("%w: %w", errUsage, err)
			}

			c, done, err := a.setup(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer done()

			ctx := cmd.Context()
			it, err := c.Components.Ledger.ResumeDiff(ctx, ref, cursor)
			if err != nil {
				if errors.Is(err, ledger.ErrInvalidCursor) {
					return fmt.Errorf("%w: %w", errUsage, err)
				}
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			n := 0
			for (limit <= 0 || n < limit) && it.Next(ctx) {
				if err := enc.Encode(it.Change()); err != nil {
					return err
				}
				n++
			}
			if err := it.Err(); err != nil {
				return err
			}
			if limit > 0 && n == limit {
				fmt.Fprintf(cmd.ErrOrStderr(), "next cursor: %s\n", it.Cursor())
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&since, "since", "", "RFC 3339 time, YYYY-MM-DD or run id")
	f.StringVar(&cursor, "cursor", "", "resume after this cursor")
	f.IntVar(&limit, "limit", 0, "stop after this many changes (0 = all)")
	return cmd
}

func parseStatuses(raw []string) ([]models.Status, error) {
	var out []models.Status
	for _, s := range raw {
		st := models.Status(strings.ToUpper(strings.TrimSpace(s)))
		if !st.Valid() {
			return nil, usageError("unknown status %q", s)
		}
		out = append(out, st)
	}
	return out, nil
}

func newListCmd(a *app) *cobra.Command {
	var (
		statuses []string
		limit    int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List ledger records",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			sts, err := parseStatuses(statuses)
			if err != nil {
				return err
			}

			c, done, err := a.setup(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer done()

			recs, err := c.Components.Ledger.List(cmd.Context(), ledger.ListOptions{Statuses: sts, Limit: limit})
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "DIGEST\tSTATUS\tEXTERNAL_ID\tPATHS\tCANONICAL_PATH")
			for _, rec := range recs {
				id := rec.ID()
				if id == "" {
					id = "-"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", rec.ContentDigest, rec.Status, id, len(rec.Paths()), rec.CanonicalPath)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringSliceVar(&statuses, "status", nil, "filter by status (PENDING_ID, MINTED, MINT_FAILED, ARCHIVED)")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum records (0 = all)")
	return cmd
}

func newShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <digest>",
		Short: "Show a record and its history",
		Args:  usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, done, err := a.setup(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer done()

			ctx := cmd.Context()
			rec, err := c.Components.Ledger.Get(ctx, args[0])
			if err != nil {
				return err
			}
			history, err := c.Components.Ledger.History(ctx, args[0])
			if err != nil {
				return err
			}

			return service.Encode(cmd.OutOrStdout(), "json", map[string]interface{}{
				"record":  rec,
				"history": history,
			})
		},
	}
}

func newRunsCmd(a *app) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent ingestion runs",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, done, err := a.setup(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer done()

			runs, err := c.Components.Ledger.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RUN_ID\tKIND\tSTATUS\tSTARTED\tSCANNED\tNEW\tDUPLICATE\tRESUMED\tFAILED\tSKIPPED")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\t%d\n",
					r.RunID, r.Kind, r.Status, r.StartedAt.Format(time.RFC3339),
					r.FilesScanned, r.FilesNew, r.FilesDuplicate, r.FilesResumed, r.FilesFailed, r.FilesSkipped)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum runs")
	return cmd
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Count records by status",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, done, err := a.setup(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer done()

			counts, err := c.Components.Ledger.StatusCounts(cmd.Context())
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			total := 0
			for _, s := range models.Statuses {
				fmt.Fprintf(tw, "%s\t%d\n", s, counts[s])
				total += counts[s]
			}
			fmt.Fprintf(tw, "TOTAL\t%d\n", total)
			return tw.Flush()
		},
	}
}

func newVerifyCmd(a *app) *cobra.Command {
	var (
		workers      int
		reportFile   string
		reportFormat string
		statuses     []string
	)

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Re-hash recorded paths and report drift",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := checkFormat(reportFormat); err != nil {
				return err
			}
			sts, err := parseStatuses(statuses)
			if err != nil {
				return err
			}

			c, done, err := a.setup(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer done()

			if workers < 1 {
				workers = c.Components.Config.Ingest.Workers
			}
			report, err := c.Verifier.Verify(cmd.Context(), service.VerifyOptions{Statuses: sts, Workers: workers})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: records=%d ok=%d missing=%d drifted=%d\n",
				report.Status, report.Records, report.OK, report.Missing, report.Drifted)
			for _, ch := range report.Checks {
				if ch.State != service.PathOK {
					fmt.Fprintf(out, "  %s %s (%s)\n", ch.State, ch.Path, ch.Digest)
				}
			}

			if reportFile != "" {
				if err := service.WriteFile(reportFile, reportFormat, report); err != nil {
					return err
				}
			}
			if report.Status != service.Synchronized {
				return errFilesFailed
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.IntVar(&workers, "workers", 0, "parallel hashing workers (default from config)")
	f.StringVar(&reportFile, "report", "", "write the integrity report to this file")
	f.StringVar(&reportFormat, "report-format", "", "report format: json or yaml")
	f.StringSliceVar(&statuses, "status", nil, "statuses to verify (default all but ARCHIVED)")
	return cmd
}

func newArchiveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "archive <digest>",
		Short: "Retire a minted record",
		Args:  usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, done, err := a.setup(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer done()

			rec, err := c.Components.Ledger.Archive(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s\n", rec.ContentDigest, rec.Status, rec.ID())
			return nil
		},
	}
}

func newAnnotateCmd(a *app) *cobra.Command {
	var patch string

	cmd := &cobra.Command{
		Use:   "annotate <digest> --patch JSON",
		Short: "Apply a JSON merge patch to a record's annotations",
		Args:  usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			if patch == "" {
				return usageError("--patch is required")
			}

			c, done, err := a.setup(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer done()

			rec, err := c.Components.Ledger.Annotate(cmd.Context(), args[0], []byte(patch))
			if errors.Is(err, ledger.ErrInvalidAnnotation) {
				return fmt.Errorf("%w: %w", errUsage, err)
			}
			if err != nil {
				return err
			}
			return service.Encode(cmd.OutOrStdout(), "json", rec.Annotations)
		},
	}

	cmd.Flags().StringVar(&patch, "patch", "", `merge patch, e.g. '{"exhibit":"A-12","draft":null}'`)
	return cmd
}

func newCompactCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "compact",
		Short: "Fold the ledger log into a snapshot",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, done, err := a.setup(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer done()

			return c.Components.Ledger.Compact(cmd.Context())
		},
	}
}

func newServeCmd(a *app) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the read-only query API",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, done, err := a.setup(cmd.Context(), func(cfg *config.Config) {
				if port > 0 {
					cfg.Service.Port = port
				}
			})
			if err != nil {
				return err
			}
			defer done()

			if err := c.StartEvents(cmd.Context()); err != nil {
				return fmt.Errorf("failed to start event stream: %w", err)
			}

			cfg := c.Components.Config
			srv := server.New("evidence-api", cfg.Service.Port, routes.NewRouter(c), c.Components.Logger)
			return srv.Start(cmd.Context())
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "listen port (default from config)")
	return cmd
}
