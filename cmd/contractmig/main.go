// Command contractmig previews, validates, applies and rolls back contract-state
// schema migrations, and serves the same operations over HTTP.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
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

	"contractregistry/internal/adapters/migrations"
	"contractregistry/internal/config"
	"contractregistry/internal/migration"
)

var (
	exitFunc       = os.Exit
	listenAndServe = func(srv *http.Server) error { return srv.ListenAndServe() }
)

const rule = "================================================================================"

type invocation struct {
	args     []string
	stdout   io.Writer
	stderr   io.Writer
	cfg      config.Config
	language string
	output   string
	limit    int
	addr     string
}

type command struct {
	usage string
	nargs int
	flags func(fs *flag.FlagSet, inv *invocation)
	run   func(ctx context.Context, a *app, inv *invocation) error
}

var commands = map[string]command{
	"preview":  {usage: "preview OLD NEW", nargs: 2, run: runPreview},
	"analyze":  {usage: "analyze OLD NEW", nargs: 2, run: runAnalyze},
	"validate": {usage: "validate OLD NEW", nargs: 2, run: runValidate},
	"apply":    {usage: "apply OLD NEW", nargs: 2, run: runApply},
	"rollback": {usage: "rollback MIGRATION_ID", nargs: 1, run: runRollback},
	"generate-template": {
		usage: "generate-template [-language rust|js|go] [-output PATH] OLD NEW",
		nargs: 2,
		flags: func(fs *flag.FlagSet, inv *invocation) {
			fs.StringVar(&inv.language, "language", "rust", "template language")
			fs.StringVar(&inv.output, "output", "", "output file (default migration_<old>_to_<new>.<ext>)")
		},
		run: runGenerateTemplate,
	},
	"history": {
		usage: "history [-limit N]",
		nargs: 0,
		flags: func(fs *flag.FlagSet, inv *invocation) {
			fs.IntVar(&inv.limit, "limit", 10, "maximum records to show, newest first")
		},
		run: runHistory,
	},
	"serve": {
		usage: "serve [-addr HOST:PORT]",
		nargs: 0,
		flags: func(fs *flag.FlagSet, inv *invocation) {
			fs.StringVar(&inv.addr, "addr", "", "listen address (default from config)")
		},
		run: runServe,
	},
}

func main() {
	code := cli(os.Args[1:], os.Stdout, os.Stderr)
	exitFunc(code)
}

func cli(args []string, stdout, stderr io.Writer) int {
	global := flag.NewFlagSet("contractmig", flag.ContinueOnError)
	global.SetOutput(stderr)
	configPath := global.String("config", "", "path to YAML config file")
	global.Usage = func() { printUsage(stderr) }
	if err := global.Parse(args); err != nil {
		return 2
	}
	rest := global.Args()
	if len(rest) == 0 {
		printUsage(stderr)
		return 2
	}
	cmd, ok := commands[rest[0]]
	if !ok {
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n", rest[0])
		printUsage(stderr)
		return 2
	}

	inv := &invocation{stdout: stdout, stderr: stderr}
	fs := flag.NewFlagSet(rest[0], flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { _, _ = fmt.Fprintf(stderr, "usage: contractmig %s\n", cmd.usage) }
	if cmd.flags != nil {
		cmd.flags(fs, inv)
	}
	positional, err := parseInterleaved(fs, rest[1:])
	if err != nil {
		return 2
	}
	if len(positional) != cmd.nargs {
		fs.Usage()
		return 2
	}
	inv.args = positional

	cfg, err := config.Load(*configPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	inv.cfg = cfg

	ctx := context.Background()
	a, err := openApp(ctx, cfg, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	defer func() { _ = a.Close() }()

	if err := cmd.run(ctx, a, inv); err != nil {
		_, _ = fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

// parseInterleaved lets flags follow positional arguments.
func parseInterleaved(fs *flag.FlagSet, args []string) ([]string, error) {
	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		args = fs.Args()
		if len(args) == 0 {
			return positional, nil
		}
		positional = append(positional, args[0])
		args = args[1:]
	}
}

func printUsage(w io.Writer) {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	_, _ = fmt.Fprintln(w, "usage: contractmig [-config PATH] <command> [arguments]")
	_, _ = fmt.Fprintln(w, "commands:")
	for _, name := range names {
		_, _ = fmt.Fprintf(w, "  %s\n", commands[name].usage)
	}
}

func runAnalyze(ctx context.Context, a *app, inv *invocation) error {
	diff, err := a.service.Analyze(ctx, inv.args[0], inv.args[1])
	if err != nil {
		return err
	}
	printDiff(inv.stdout, inv.args[0], inv.args[1], diff)
	return nil
}

func runPreview(ctx context.Context, a *app, inv *invocation) error {
	preview, err := a.service.Preview(ctx, inv.args[0], inv.args[1])
	if err != nil {
		return err
	}
	w := inv.stdout
	printDiff(w, inv.args[0], inv.args[1], preview.Diff)
	printValidation(w, preview.Issues)
	state, err := json.MarshalIndent(preview.Migrated, "", "  ")
	if err != nil {
		return fmt.Errorf("render migrated state: %w", err)
	}
	_, _ = fmt.Fprintf(w, "\nDry-run Migrated State\n%s\n%s\n", rule, state)
	if len(preview.Warnings) > 0 {
		_, _ = fmt.Fprintln(w, "\nDry-run Notes")
		for _, warning := range preview.Warnings {
			_, _ = fmt.Fprintf(w, "- %s\n", warning)
		}
	}
	_, _ = fmt.Fprintf(w, "\nPreview recorded: %s\n", preview.RecordID)
	return nil
}

func runValidate(ctx context.Context, a *app, inv *invocation) error {
	issues, err := a.service.Validate(ctx, inv.args[0], inv.args[1])
	if err != nil && !errors.Is(err, migration.ErrValidationFailed) {
		return err
	}
	printValidation(inv.stdout, issues)
	if err != nil {
		return errors.New("validation found potential data loss or type incompatibilities")
	}
	return nil
}

func runApply(ctx context.Context, a *app, inv *invocation) error {
	record, err := a.service.Apply(ctx, inv.args[0], inv.args[1])
	var ve *migration.ValidationError
	if errors.As(err, &ve) {
		for _, issue := range ve.Issues {
			_, _ = fmt.Fprintf(inv.stderr, "Validation issue: %s\n", issue)
		}
		return errors.New("migration aborted due to validation issues")
	}
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(inv.stdout, "Migration applied successfully. ID: %s\n", record.ID)
	for _, warning := range record.Warnings {
		_, _ = fmt.Fprintf(inv.stdout, "- %s\n", warning)
	}
	return nil
}

func runRollback(ctx context.Context, a *app, inv *invocation) error {
	if _, err := a.service.Rollback(ctx, inv.args[0]); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(inv.stdout, "Rollback completed for migration: %s\n", inv.args[0])
	return nil
}

func runHistory(ctx context.Context, a *app, inv *invocation) error {
	if inv.limit < 0 {
		return fmt.Errorf("limit must not be negative")
	}
	records, err := a.service.History(ctx, inv.limit)
	if err != nil {
		return err
	}
	w := inv.stdout
	_, _ = fmt.Fprintf(w, "\nMigration History\n%s\n", rule)
	for _, rec := range records {
		_, _ = fmt.Fprintf(w, "%s | %s | %s | %s -> %s\n",
			rec.Timestamp.Format(time.RFC3339), rec.ID, rec.Action, orDash(rec.OldID), orDash(rec.NewID))
		if len(rec.Warnings) > 0 {
			_, _ = fmt.Fprintf(w, "  warnings: %s\n", strings.Join(rec.Warnings, " | "))
		}
	}
	return nil
}

func runGenerateTemplate(ctx context.Context, a *app, inv *invocation) error {
	path, err := a.service.GenerateTemplate(ctx, inv.args[0], inv.args[1], inv.language, inv.output)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(inv.stdout, "Generated migration template: %s\n", path)
	return nil
}

func runServe(ctx context.Context, a *app, inv *invocation) error {
	addr := inv.addr
	if addr == "" {
		addr = inv.cfg.HTTP.Addr
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              addr,
		Handler:           migrations.NewHandler(a.service, a.metrics.Handler(), a.logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- listenAndServe(srv) }()
	a.logger.Info("serving migration api", slog.String("addr", addr))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func printDiff(w io.Writer, oldID, newID string, diff migration.SchemaDiff) {
	_, _ = fmt.Fprintf(w, "\nSchema Diff %s -> %s\n%s\n", oldID, newID, rule)
	_, _ = fmt.Fprintf(w, "Added fields: %d\n", len(diff.AddedFields))
	for _, field := range diff.AddedFields {
		_, _ = fmt.Fprintf(w, "  + %s\n", field)
	}
	_, _ = fmt.Fprintf(w, "Removed fields: %d\n", len(diff.RemovedFields))
	for _, field := range diff.RemovedFields {
		_, _ = fmt.Fprintf(w, "  - %s\n", field)
	}
	_, _ = fmt.Fprintf(w, "Type changes: %d\n", len(diff.ChangedTypes))
	for _, change := range diff.ChangedTypes {
		_, _ = fmt.Fprintf(w, "  ~ %s: %s -> %s\n", change.Field, change.OldType, change.NewType)
	}
}

func printValidation(w io.Writer, issues []string) {
	_, _ = fmt.Fprintf(w, "\nValidation\n%s\n", rule)
	if len(issues) == 0 {
		_, _ = fmt.Fprintln(w, "No data loss risks detected.")
		return
	}
	_, _ = fmt.Fprintln(w, "Potential migration risks:")
	for _, issue := range issues {
		_, _ = fmt.Fprintf(w, "- %s\n", issue)
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
