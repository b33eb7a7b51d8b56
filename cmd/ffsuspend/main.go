package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/tu500/ffsuspend/internal/clipboard"
	"github.com/tu500/ffsuspend/internal/config"
	"github.com/tu500/ffsuspend/internal/control"
	"github.com/tu500/ffsuspend/internal/daemon"
	"github.com/tu500/ffsuspend/internal/engine"
	"github.com/tu500/ffsuspend/internal/ipc"
	"github.com/tu500/ffsuspend/internal/journal"
	"github.com/tu500/ffsuspend/internal/logging"
	"github.com/tu500/ffsuspend/internal/metrics"
	"github.com/tu500/ffsuspend/internal/topo"
)

type options struct {
	configPath     string
	logLevel       string
	logFile        string
	checkClipboard bool
	pidFile        string
	journalOn      bool
	noJournal      bool
	journalPath    string
}

func main() {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "ffsuspend [programs...]",
		Short: "Suspend programs whose i3 workspaces are not visible",
		Long: "ffsuspend watches the i3 event stream and stops (SIGSTOP) monitored\n" +
			"programs whenever none of their windows is on a visible workspace,\n" +
			"continuing (SIGCONT) them as soon as one becomes visible again.",
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts, args)
		},
	}
	registerFlags(cmd, opts)

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func registerFlags(cmd *cobra.Command, opts *options) {
	flags := cmd.Flags()
	flags.StringVar(&opts.configPath, "config", "", "path to YAML config (default ~/.config/ffsuspend/config.yaml)")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level (debug|info|warn|error)")
	flags.StringVar(&opts.logFile, "log-file", "", "duplicate log output into this file")
	flags.BoolVarP(&opts.checkClipboard, "check-clipboard", "c", false, "skip stopping a visible program when the clipboard changed on a workspace switch")
	flags.StringVarP(&opts.pidFile, "pid-file", "p", "", "write own PID to the given file")
	flags.BoolVar(&opts.journalOn, "journal", false, "enable the sqlite transition journal")
	flags.BoolVar(&opts.noJournal, "no-journal", false, "disable the sqlite transition journal")
	flags.StringVar(&opts.journalPath, "journal-path", "", "path of the transition journal database")
}

func run(cmd *cobra.Command, opts *options, args []string) error {
	cfg, cfgPath, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	applyFlags(cmd, opts, cfg, args)

	if len(cfg.Programs) == 0 {
		return errors.New("no programs to monitor; pass program names or set programs in the config")
	}

	if err := logging.Setup(cfg.Logging); err != nil {
		return err
	}
	logger := logging.NewLogger("ffsuspend")

	if cfg.PIDFile != "" {
		pidFile := daemon.New(cfg.PIDFile)
		if err := pidFile.Write(); err != nil {
			return err
		}
		defer func() {
			if err := pidFile.Remove(); err != nil {
				logger.Warnf("%v", err)
			}
		}()
	}

	var store *journal.Store
	if cfg.Journal.Enabled {
		store, err = journal.Open(cfg.Journal.Path)
		if err != nil {
			// Monitoring must not depend on the journal.
			logger.Warnf("journal disabled: %v", err)
			store = nil
		} else {
			defer store.Close()
			if days := cfg.Journal.RetentionDays(); days > 0 {
				cutoff := time.Now().AddDate(0, 0, -days)
				if pruned, err := store.PruneOlderThan(cutoff); err != nil {
					logger.Warnf("journal prune failed: %v", err)
				} else if pruned > 0 {
					logger.Debugf("pruned %d journal entries", pruned)
				}
			}
		}
	}

	collector := metrics.NewCollector()
	i3 := ipc.NewClient()
	deps := engine.Deps{
		WM:        i3,
		Topology:  topo.NewClient(),
		Signals:   topo.NewKillall(),
		Clipboard: clipboard.Read,
		Subscribe: i3.Subscribe,
		Metrics:   collector,
		Logger:    logging.NewLogger("engine"),
	}
	if store != nil {
		deps.Journal = store
	}
	eng := engine.New(deps, cfg.Programs, cfg.CheckClipboard)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reload := func(reason string) error {
		if cfgPath == "" {
			return errors.New("no config file to reload")
		}
		logger.Infof("%s, reloading config", reason)
		fresh, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		programs := fresh.Programs
		if len(args) > 0 {
			programs = args
		}
		return eng.Reconfigure(ctx, programs, fresh.CheckClipboard)
	}

	reloadRequests := make(chan string, 1)
	if cfgPath != "" {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("watch config: %w", err)
		}
		defer watcher.Close()
		target := filepath.Clean(cfgPath)
		if err := watcher.Add(filepath.Dir(target)); err != nil {
			return fmt.Errorf("watch config dir: %w", err)
		}
		if err := watcher.Add(target); err != nil {
			logger.Debugf("unable to watch config file directly: %v", err)
		}
		go watchConfig(logger, watcher, target, reloadRequests)
	}

	ctrlSrv, err := control.NewServer(eng, collector, store, logging.NewLogger("control"), reload)
	if err != nil {
		return fmt.Errorf("start control server: %w", err)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	engineErrs := make(chan error, 1)
	serverErrs := make(chan error, 1)
	go func() {
		engineErrs <- eng.Run(ctx)
	}()
	go func() {
		serverErrs <- ctrlSrv.Serve(ctx)
	}()

	return supervise(cancel, logger, engineErrs, serverErrs, reloadRequests, sigs, reload)
}

// supervise waits for the engine and control server to finish, serving reload
// requests and signals in the meantime. It must never return before the
// engine has: the engine's exit is what guarantees the force-continue cleanup
// ran, and exiting ahead of it would leave monitored programs stopped.
func supervise(cancel context.CancelFunc, logger *logrus.Entry, engineErrs, serverErrs <-chan error, reloadRequests <-chan string, sigs <-chan os.Signal, reload func(reason string) error) error {
	finish := func(err error) error {
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("monitoring stopped: %w", err)
		}
		logger.Infof("shut down")
		return nil
	}
	for {
		select {
		case err := <-engineErrs:
			cancel()
			<-serverErrs
			return finish(err)
		case err := <-serverErrs:
			cancel()
			if err != nil {
				logger.Errorf("control server stopped: %v", err)
			}
			return finish(<-engineErrs)
		case reason := <-reloadRequests:
			if err := reload(reason); err != nil {
				logger.Errorf("reload failed: %v", err)
			}
		case sig := <-sigs:
			switch sig {
			case syscall.SIGHUP:
				if err := reload("received SIGHUP"); err != nil {
					logger.Errorf("reload failed: %v", err)
				}
			case os.Interrupt, syscall.SIGTERM:
				logger.Infof("received %s, shutting down", sig)
				cancel()
			}
		}
	}
}

// loadConfig loads the configured or default config file. A missing file at
// the default location is not an error; an explicitly given path must exist.
func loadConfig(path string) (*config.Config, string, error) {
	explicit := path != ""
	if !explicit {
		path = config.DefaultPath()
	}
	if path == "" {
		return config.Default(), "", nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return config.Default(), "", nil
		}
		return nil, "", err
	}
	return cfg, path, nil
}

// applyFlags overlays command-line settings onto the loaded config.
// Positional program names replace the configured list entirely.
func applyFlags(cmd *cobra.Command, opts *options, cfg *config.Config, args []string) {
	if len(args) > 0 {
		cfg.Programs = args
	}
	if cmd.Flags().Changed("check-clipboard") {
		cfg.CheckClipboard = opts.checkClipboard
	}
	if opts.pidFile != "" {
		cfg.PIDFile = opts.pidFile
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
	if opts.logFile != "" {
		cfg.Logging.File = opts.logFile
	}
	if cmd.Flags().Changed("journal") {
		cfg.Journal.Enabled = opts.journalOn
	}
	// --no-journal wins when both are given.
	if cmd.Flags().Changed("no-journal") {
		cfg.Journal.Enabled = !opts.noJournal
	}
	if opts.journalPath != "" {
		cfg.Journal.Path = opts.journalPath
		cfg.Journal.Enabled = true
	}
}

func watchConfig(logger *logrus.Entry, watcher *fsnotify.Watcher, target string, reloadRequests chan<- string) {
	const debounceWindow = 250 * time.Millisecond
	var (
		timer   *time.Timer
		timerCh <-chan time.Time
	)
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounceWindow)
				timerCh = timer.C
			} else {
				if !timer.Stop() {
					<-timerCh
				}
				timer.Reset(debounceWindow)
			}
		case <-timerCh:
			timer = nil
			timerCh = nil
			select {
			case reloadRequests <- "config file updated":
			default:
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Warnf("config watcher error: %v", err)
		}
	}
}
