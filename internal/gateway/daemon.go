package gateway

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/msageha/toolgate/internal/backend"
	"github.com/msageha/toolgate/internal/catalog"
	"github.com/msageha/toolgate/internal/confirm"
	"github.com/msageha/toolgate/internal/dispatch"
	"github.com/msageha/toolgate/internal/events"
	"github.com/msageha/toolgate/internal/identity"
	"github.com/msageha/toolgate/internal/lock"
	"github.com/msageha/toolgate/internal/model"
	"github.com/msageha/toolgate/internal/policy"
	"github.com/msageha/toolgate/internal/rpc"
	"github.com/msageha/toolgate/internal/store"
	"github.com/msageha/toolgate/internal/workspace"
)

type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

func parseLogLevel(s string) LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return LogLevelDebug
	case "info":
		return LogLevelInfo
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

// Daemon is the main toolgate daemon process. It owns the socket server, the
// state store, and the periodic maintenance loops.
type Daemon struct {
	gatewayDir string
	config     model.Config
	logLevel   LogLevel
	logger     *log.Logger
	logFile    io.Closer

	fileLock *lock.FileLock
	server   *rpc.Server
	watcher  *fsnotify.Watcher
	ticker   *time.Ticker

	gateway    *Gateway
	dispatcher *dispatch.Dispatcher
	pol        *policy.Policy
	confirmSvc *confirm.Service
	cat        *catalog.Catalog
	bus        *events.Bus
	audit      *events.AuditLogger
	stateDB    io.Closer

	lastRefresh time.Time
	refreshMu   sync.Mutex

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown sync.Once

	forceExit atomic.Bool
}

// New creates a new Daemon instance rooted at gatewayDir.
func New(gatewayDir string, cfg model.Config) (*Daemon, error) {
	logPath := filepath.Join(gatewayDir, "logs", "daemon.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(gatewayDir, "locks"), 0755); err != nil {
		return nil, fmt.Errorf("create locks dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open daemon log: %w", err)
	}

	return newDaemon(gatewayDir, cfg, logFile, logFile)
}

// newDaemon is the internal constructor for testing.
func newDaemon(gatewayDir string, cfg model.Config, w io.Writer, closer io.Closer) (*Daemon, error) {
	ctx, cancel := context.WithCancel(context.Background())

	socketPath := filepath.Join(gatewayDir, rpc.DefaultSocketName)

	scanInterval := cfg.Daemon.ScanIntervalSec
	if scanInterval <= 0 {
		scanInterval = 30
	}

	d := &Daemon{
		gatewayDir: gatewayDir,
		config:     cfg,
		logLevel:   parseLogLevel(cfg.Logging.Level),
		logger:     log.New(w, "", 0),
		logFile:    closer,
		fileLock:   lock.NewFileLock(filepath.Join(gatewayDir, "locks", "daemon.lock")),
		server:     rpc.NewServer(socketPath),
		ticker:     time.NewTicker(time.Duration(scanInterval) * time.Second),
		ctx:        ctx,
		cancel:     cancel,
	}

	return d, nil
}

// Run starts the daemon and blocks until shutdown completes.
func (d *Daemon) Run() error {
	// Step 1: Acquire file lock
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}
	d.log(LogLevelInfo, "daemon starting pid=%d namespace=%s", os.Getpid(), d.config.Gateway.Namespace)

	// Step 2: Build components
	if err := d.buildComponents(); err != nil {
		d.cleanup()
		return err
	}

	// Step 3: Watch the policy rules file for live reloads
	if d.config.Policy.RulesFile != "" {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			d.cleanup()
			return fmt.Errorf("create fsnotify watcher: %w", err)
		}
		d.watcher = watcher
		// Watch the parent directory: editors replace the file, which would
		// drop a watch on the file itself.
		if err := watcher.Add(filepath.Dir(d.config.Policy.RulesFile)); err != nil {
			d.cleanup()
			return fmt.Errorf("watch rules dir: %w", err)
		}
	}

	// Step 4: Register socket handlers
	RegisterHandlers(d.server, d.gateway, d.dispatcher, d.bus, d.Shutdown)

	// Step 5: Start the socket server
	if err := d.server.Start(); err != nil {
		d.cleanup()
		return fmt.Errorf("start socket server: %w", err)
	}
	d.log(LogLevelInfo, "socket server listening on %s", filepath.Join(d.gatewayDir, rpc.DefaultSocketName))

	// Step 6: Start background loops
	d.wg.Add(2)
	go d.fsnotifyLoop()
	go d.tickerLoop()

	// Step 7: Initial catalog fetch. A dead backend at startup is not fatal:
	// the catalog stays empty until the next refresh succeeds.
	d.refreshCatalog()
	d.log(LogLevelInfo, "daemon ready")

	// Step 8: Wait for signals
	d.waitSignals()

	return nil
}

// buildComponents wires the store, backend client, and governance stack.
func (d *Daemon) buildComponents() error {
	var tokens store.TokenStore
	var tasks store.TaskStore

	switch d.config.Store.Driver {
	case "", "memory":
		tokens = store.NewMemoryTokenStore()
		tasks = store.NewMemoryTaskStore()
	case "sqlite":
		path := d.config.Store.Path
		if path == "" {
			path = filepath.Join(d.gatewayDir, "state.db")
		}
		db, err := store.OpenSQLite(path)
		if err != nil {
			return fmt.Errorf("open sqlite store: %w", err)
		}
		d.stateDB = db
		tokens = db
		tasks = db
	default:
		return fmt.Errorf("unknown store driver %q", d.config.Store.Driver)
	}

	backendClient, err := backend.NewClient(d.config.Backend)
	if err != nil {
		return fmt.Errorf("backend client: %w", err)
	}

	resolver := identity.NewResolver(d.config.Gateway.Namespace, d.config.Policy.StrictPacks)

	d.pol = policy.New()
	if d.config.Policy.RulesFile != "" {
		if !filepath.IsAbs(d.config.Policy.RulesFile) {
			d.config.Policy.RulesFile = filepath.Join(d.gatewayDir, d.config.Policy.RulesFile)
		}
		if err := d.pol.ReloadFromFile(d.config.Policy.RulesFile); err != nil {
			return fmt.Errorf("load policy rules: %w", err)
		}
	}

	ttl := confirm.DefaultTTL
	if d.config.Confirm.TokenTTLSec > 0 {
		ttl = time.Duration(d.config.Confirm.TokenTTLSec) * time.Second
	}
	d.confirmSvc = confirm.NewService(tokens, ttl)

	d.cat = catalog.New(backendClient, resolver, d.pol, d.logger)
	d.bus = events.NewBus(64)

	audit, err := events.NewAuditLogger(filepath.Join(d.gatewayDir, "logs", "audit.jsonl"), 0)
	if err != nil {
		return fmt.Errorf("audit logger: %w", err)
	}
	d.audit = audit

	d.dispatcher = dispatch.NewDispatcher(d.config.Dispatch, tasks, d.logger, dispatch.LogLevel(d.logLevel))

	d.gateway = NewGateway(
		resolver,
		d.pol,
		d.confirmSvc,
		workspace.NewResolver(backendClient),
		d.cat,
		backendClient,
		d.bus,
		d.audit,
		d.logger,
		d.logLevel,
	)

	return nil
}

// fsnotifyLoop reloads the policy rules file on change. Invalid content keeps
// the rules that were active before the edit.
func (d *Daemon) fsnotifyLoop() {
	defer d.wg.Done()
	if d.watcher == nil {
		return
	}

	for {
		select {
		case <-d.ctx.Done():
			return
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if event.Name != d.config.Policy.RulesFile {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				d.log(LogLevelDebug, "fsnotify event=%s file=%s", event.Op, event.Name)
				if err := d.pol.ReloadFromFile(d.config.Policy.RulesFile); err != nil {
					d.log(LogLevelWarn, "rules reload failed, keeping previous rules: %v", err)
					continue
				}
				d.log(LogLevelInfo, "policy rules reloaded from %s", d.config.Policy.RulesFile)
			}
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.log(LogLevelError, "fsnotify error=%v", err)
		}
	}
}

// tickerLoop runs periodic maintenance: token sweeps every tick and catalog
// refreshes on the configured cadence.
func (d *Daemon) tickerLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-d.ticker.C:
			d.log(LogLevelDebug, "periodic maintenance triggered")
			d.sweepTokens()
			if d.refreshDue() {
				d.refreshCatalog()
			}
		}
	}
}

func (d *Daemon) sweepTokens() {
	n, err := d.confirmSvc.SweepExpired(d.ctx)
	if err != nil {
		d.log(LogLevelError, "token sweep failed: %v", err)
		return
	}
	if n > 0 {
		d.log(LogLevelInfo, "token sweep removed=%d", n)
	}
}

func (d *Daemon) refreshDue() bool {
	interval := d.config.Backend.PackRefreshSec
	if interval <= 0 {
		interval = 300
	}
	d.refreshMu.Lock()
	defer d.refreshMu.Unlock()
	return time.Since(d.lastRefresh) >= time.Duration(interval)*time.Second
}

func (d *Daemon) refreshCatalog() {
	if err := d.cat.Refresh(d.ctx); err != nil {
		d.log(LogLevelWarn, "catalog refresh failed: %v", err)
		return
	}
	d.refreshMu.Lock()
	d.lastRefresh = time.Now()
	d.refreshMu.Unlock()
	d.log(LogLevelInfo, "catalog refreshed tools=%d", len(d.cat.List()))
}

// waitSignals blocks until a shutdown signal is received.
func (d *Daemon) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigCh
	d.log(LogLevelInfo, "received signal=%s, initiating graceful shutdown", sig)

	// Second signal → force exit
	go func() {
		<-sigCh
		d.log(LogLevelWarn, "received second signal, forcing exit")
		d.forceExit.Store(true)
		os.Exit(1)
	}()

	d.Shutdown()
}

// Shutdown performs graceful shutdown (idempotent via sync.Once).
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		d.log(LogLevelInfo, "shutdown started")

		// 1. Cancel context (stops accepting new work)
		d.cancel()

		// 2. Stop producers
		d.ticker.Stop()
		if d.watcher != nil {
			d.watcher.Close()
		}
		if d.server != nil {
			d.server.Stop()
		}

		// 3. Drain in-flight with timeout
		timeout := d.config.Daemon.ShutdownTimeoutSec
		if timeout <= 0 {
			timeout = 30
		}

		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			d.log(LogLevelInfo, "all goroutines drained")
		case <-time.After(time.Duration(timeout) * time.Second):
			d.log(LogLevelWarn, "shutdown timeout after %ds, some operations may be incomplete", timeout)
		}

		// 4. Cleanup
		d.cleanup()
		d.log(LogLevelInfo, "daemon stopped")
	})
}

// cleanup releases resources.
func (d *Daemon) cleanup() {
	os.Remove(filepath.Join(d.gatewayDir, rpc.DefaultSocketName))
	d.fileLock.Unlock()
	if d.bus != nil {
		d.bus.Close()
	}
	if d.audit != nil {
		d.audit.Close()
	}
	if d.stateDB != nil {
		d.stateDB.Close()
	}
	if d.logFile != nil {
		d.logFile.Close()
	}
}

func (d *Daemon) log(level LogLevel, format string, args ...any) {
	if level < d.logLevel {
		return
	}
	levelStr := "INFO"
	switch level {
	case LogLevelDebug:
		levelStr = "DEBUG"
	case LogLevelWarn:
		levelStr = "WARN"
	case LogLevelError:
		levelStr = "ERROR"
	}
	msg := fmt.Sprintf(format, args...)
	d.logger.Printf("%s %s daemon: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}
