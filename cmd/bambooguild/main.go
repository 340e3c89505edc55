package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"

	"github.com/kazz187/bambooguild/internal/bamboo"
	"github.com/kazz187/bambooguild/internal/config"
	"github.com/kazz187/bambooguild/internal/daemon"
	"github.com/kazz187/bambooguild/internal/desired"
	"github.com/kazz187/bambooguild/internal/diff"
	"github.com/kazz187/bambooguild/internal/reconciler"
	"github.com/kazz187/bambooguild/internal/record"
	"github.com/kazz187/bambooguild/internal/report"
	"github.com/kazz187/bambooguild/internal/report/repositoryimpl"
	"github.com/kazz187/bambooguild/pkg/clog"
	"github.com/kazz187/bambooguild/pkg/storage"
)

var (
	app = kingpin.New("bambooguild", "Declarative access control reconciler for Bamboo")

	planCmd  = app.Command("plan", "Show the changes a reconciliation would make without applying them")
	planFile = planCmd.Flag("file", "Desired state YAML file").Short('f').Default("bamboo-permissions.yaml").String()

	applyCmd  = app.Command("apply", "Reconcile Bamboo permissions to the desired state")
	applyFile = applyCmd.Flag("file", "Desired state YAML file").Short('f').Default("bamboo-permissions.yaml").String()

	fetchCmd    = app.Command("fetch", "Export current Bamboo permissions as a desired state document")
	fetchOutput = fetchCmd.Flag("output", "Output file (default: stdout)").Short('o').String()

	watchCmd      = app.Command("watch", "Watch the desired state file and reconcile on change")
	watchFile     = watchCmd.Flag("file", "Desired state YAML file").Short('f').Default("bamboo-permissions.yaml").String()
	watchInterval = watchCmd.Flag("interval", "Periodic reconciliation interval (0 disables)").Default("0s").Duration()
	watchAddr     = watchCmd.Flag("addr", "Status HTTP listen address").Default("localhost:8310").String()
)

func main() {
	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	env, err := config.LoadEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading environment: %v\n", err)
		os.Exit(1)
	}
	setupLogger(env)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := buildDeps(ctx, env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	switch command {
	case planCmd.FullCommand():
		err = runPlan(ctx, deps, *planFile)
	case applyCmd.FullCommand():
		err = runApply(ctx, deps, *applyFile)
	case fetchCmd.FullCommand():
		err = runFetch(ctx, deps, *fetchOutput)
	case watchCmd.FullCommand():
		err = runWatch(ctx, deps, *watchFile, *watchInterval, *watchAddr)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type deps struct {
	client  *bamboo.Client
	reports report.Repository
}

func buildDeps(ctx context.Context, env *config.Env) (*deps, error) {
	client := bamboo.New(env.URL, env.User, env.Password, nil)
	if err := client.Ping(ctx); err != nil {
		return nil, fmt.Errorf("bamboo server unreachable: %w", err)
	}

	var (
		store storage.Storage
		err   error
	)
	switch env.StorageEnv.Type {
	case "s3":
		store, err = storage.NewS3Storage(ctx, env.S3Bucket, env.S3Prefix, env.S3Region)
	default:
		store, err = storage.NewLocalStorage(env.BaseDir)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	return &deps{
		client:  client,
		reports: repositoryimpl.NewYAMLRepository(store),
	}, nil
}

func setupLogger(env *config.Env) {
	var handler slog.Handler
	if env.Env == "local" {
		handler = clog.NewTextHandler(os.Stderr, clog.WithLevel(env.SlogLevel()))
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: env.SlogLevel()})
	}
	slog.SetDefault(slog.New(clog.NewAttributesHandler(handler)))
}

func runPlan(ctx context.Context, d *deps, file string) error {
	state, err := desired.Load(file)
	if err != nil {
		return err
	}
	rec := reconciler.New(d.client, d.client, d.reports,
		reconciler.WithDryRun(true), reconciler.WithIncludeUnchanged(true))
	summary, err := rec.Run(ctx, state)
	if err != nil {
		return err
	}

	for _, outcome := range summary.Domains {
		if outcome.Skipped {
			fmt.Printf("== %s: skipped (%s)\n\n", outcome.Domain, outcome.Error)
			continue
		}
		if outcome.Added == 0 && outcome.Removed == 0 {
			continue
		}
		rep, err := d.reports.Get(ctx, summary.RunID, outcome.Domain)
		if err != nil {
			return err
		}
		current := record.NewSet()
		for _, r := range append(rep.Removed, rep.Unchanged...) {
			current.Add(r)
		}
		want := record.NewSet()
		for _, r := range append(rep.Added, rep.Unchanged...) {
			want.Add(r)
		}
		text, err := diff.Unified(outcome.Domain, current, want)
		if err != nil {
			return err
		}
		fmt.Println(text)
	}

	printSummary(summary)
	return nil
}

func runApply(ctx context.Context, d *deps, file string) error {
	state, err := desired.Load(file)
	if err != nil {
		return err
	}
	rec := reconciler.New(d.client, d.client, d.reports)
	summary, err := rec.Run(ctx, state)
	if err != nil {
		return err
	}
	printSummary(summary)
	if n := summary.FailureCount(); n > 0 {
		return fmt.Errorf("%d failure(s) during reconciliation, see run %s", n, summary.RunID)
	}
	return nil
}

func runFetch(ctx context.Context, d *deps, output string) error {
	state := desired.State{}
	for _, domain := range record.Domains {
		records, err := d.client.FetchDomain(ctx, domain)
		if err != nil {
			return fmt.Errorf("failed to fetch %s permissions: %w", domain, err)
		}
		set := record.NewSet()
		for _, r := range records {
			set.Add(r)
		}
		state[domain] = set
	}
	data, err := desired.Marshal(state)
	if err != nil {
		return err
	}
	if output == "" {
		_, err = os.Stdout.Write(data)
		return err
	}
	return os.WriteFile(output, data, 0o644)
}

func runWatch(ctx context.Context, d *deps, file string, interval time.Duration, addr string) error {
	rec := reconciler.New(d.client, d.client, d.reports)
	dm := daemon.New(daemon.Config{
		DesiredFile: file,
		Interval:    interval,
		Addr:        addr,
	}, rec, d.reports)

	if err := dm.Start(ctx); err != nil {
		if ctx.Err() != nil {
			slog.Info("shutdown signal received, daemon stopped")
			return nil
		}
		return err
	}
	return nil
}

func printSummary(s *report.Summary) {
	mode := "apply"
	if s.DryRun {
		mode = "plan"
	}
	fmt.Printf("Run %s (%s)\n", s.RunID, mode)
	for _, d := range s.Domains {
		if d.Skipped {
			fmt.Printf("  %-24s skipped: %s\n", d.Domain, d.Error)
			continue
		}
		line := fmt.Sprintf("  %-24s +%d -%d =%d", d.Domain, d.Added, d.Removed, d.Unchanged)
		if d.FailedApplies > 0 {
			line += fmt.Sprintf(" (%d failed)", d.FailedApplies)
		}
		fmt.Println(line)
	}
	if s.Converged() {
		fmt.Println("No changes. Bamboo matches the desired state.")
	}
}
