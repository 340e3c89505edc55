package daemon

import (
	"context"
	"crypto/sha256"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sourcegraph/conc/pool"

	"github.com/kazz187/bambooguild/internal/desired"
	"github.com/kazz187/bambooguild/internal/reconciler"
	"github.com/kazz187/bambooguild/internal/report"
)

// debounceInterval is the delay after an fsnotify event before the desired
// file checksum is re-checked. Editors fire several events per save.
const debounceInterval = 200 * time.Millisecond

type Config struct {
	// DesiredFile is the desired-state document to watch and reconcile.
	DesiredFile string
	// Interval between periodic reconciliations, independent of file
	// changes. Zero disables the ticker.
	Interval time.Duration
	// Addr is the status HTTP listen address, e.g. "localhost:8310".
	Addr string
}

// Daemon repeatedly reconciles against a watched desired-state file. A run is
// triggered at startup, on every effective file change, on the periodic
// interval, and on demand through the status endpoint. Runs never overlap:
// triggers arriving mid-run collapse into one follow-up run.
type Daemon struct {
	cfg        Config
	reconciler *reconciler.Reconciler
	reports    report.Repository

	trigger chan struct{}

	mu       sync.RWMutex
	last     *report.Summary
	lastHash [sha256.Size]byte
}

func New(cfg Config, rec *reconciler.Reconciler, reports report.Repository) *Daemon {
	return &Daemon{
		cfg:        cfg,
		reconciler: rec,
		reports:    reports,
		trigger:    make(chan struct{}, 1),
	}
}

// Start runs the watcher, the reconcile loop and the status server until ctx
// is cancelled or one of them fails.
func (d *Daemon) Start(ctx context.Context) error {
	hash, err := hashFile(d.cfg.DesiredFile)
	if err != nil {
		return err
	}
	d.lastHash = hash

	p := pool.New().WithContext(ctx).WithCancelOnError()
	p.Go(d.watchLoop)
	p.Go(d.runLoop)
	p.Go(d.serveHTTP)
	return p.Wait()
}

// watchLoop watches the desired file's directory (editors replace files by
// rename, which drops a watch on the file itself) and fires a trigger when
// the file's checksum actually changes.
func (d *Daemon) watchLoop(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(d.cfg.DesiredFile)
	if err := watcher.Add(dir); err != nil {
		return err
	}

	var debounce *time.Timer
	debounceCh := make(chan struct{}, 1)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(d.cfg.DesiredFile) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceInterval, func() {
				select {
				case debounceCh <- struct{}{}:
				default:
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.WarnContext(ctx, "desired file watcher error", "error", err)
		case <-debounceCh:
			hash, err := hashFile(d.cfg.DesiredFile)
			if err != nil {
				slog.WarnContext(ctx, "failed to checksum desired file", "error", err)
				continue
			}
			d.mu.Lock()
			changed := hash != d.lastHash
			d.lastHash = hash
			d.mu.Unlock()
			if !changed {
				continue
			}
			slog.InfoContext(ctx, "desired state file changed, reconciling")
			d.Trigger()
		}
	}
}

// runLoop serializes reconciliation runs: one at startup, then one per
// trigger or tick.
func (d *Daemon) runLoop(ctx context.Context) error {
	var tick <-chan time.Time
	if d.cfg.Interval > 0 {
		ticker := time.NewTicker(d.cfg.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	d.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-d.trigger:
			d.runOnce(ctx)
		case <-tick:
			d.runOnce(ctx)
		}
	}
}

// runOnce reloads the desired state and performs one reconciliation pass. A
// broken desired file does not stop the daemon: the error is logged and the
// previous state remains applied until the file is fixed.
func (d *Daemon) runOnce(ctx context.Context) {
	state, err := desired.Load(d.cfg.DesiredFile)
	if err != nil {
		slog.ErrorContext(ctx, "desired state rejected, skipping run", "error", err)
		return
	}
	summary, err := d.reconciler.Run(ctx, state)
	if err != nil {
		slog.ErrorContext(ctx, "reconciliation run aborted", "error", err)
		return
	}
	d.mu.Lock()
	d.last = summary
	d.mu.Unlock()
}

// Trigger requests an asynchronous reconciliation run. Requests arriving
// while a run is pending coalesce.
func (d *Daemon) Trigger() {
	select {
	case d.trigger <- struct{}{}:
	default:
	}
}

func (d *Daemon) lastSummary() *report.Summary {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.last
}

func (d *Daemon) serveHTTP(ctx context.Context) error {
	srv := &http.Server{
		Addr:    d.cfg.Addr,
		Handler: d.router(),
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	slog.InfoContext(ctx, "status server listening", "addr", d.cfg.Addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// hashFile returns the sha256 checksum of the file at path.
func hashFile(path string) ([sha256.Size]byte, error) {
	var zero [sha256.Size]byte
	f, err := os.Open(path)
	if err != nil {
		return zero, err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return zero, err
	}
	var sum [sha256.Size]byte
	copy(sum[:], h.Sum(nil))
	return sum, nil
}
