package main

import (
	"context"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/dshills/deckfold/internal/analyzer"
	"github.com/dshills/deckfold/internal/config"
	"github.com/dshills/deckfold/internal/fold"
	"github.com/dshills/deckfold/internal/logging"
	"github.com/dshills/deckfold/internal/metrics"
	"github.com/dshills/deckfold/internal/process"
	"github.com/dshills/deckfold/internal/script"
	"github.com/dshills/deckfold/internal/session"
)

const shutdownTimeout = 10 * time.Second

// runtime is the state shared by the long-running subcommands.
type runtime struct {
	cfg     *config.Config
	logger  *logging.Logger
	metrics *metrics.Metrics
	format  fold.Formatter
	script  *script.Formatter
	sup     *process.Supervisor

	// levelPinned keeps a --log-level override across config reloads.
	levelPinned bool
}

// newRuntime loads the configuration and builds the logger. Logs go to
// log.file when set and to logOut otherwise.
func newRuntime(flags *rootFlags, logOut io.Writer) (*runtime, error) {
	cfg, err := config.Load(flags.config)
	if err != nil {
		return nil, err
	}
	if flags.logLevel != "" {
		cfg.Log.Level = flags.logLevel
	}

	var logger *logging.Logger
	if cfg.Log.File != "" {
		logger, err = logging.New(cfg.Log)
	} else {
		logger, err = logging.NewWithWriter(cfg.Log, logOut)
	}
	if err != nil {
		return nil, err
	}

	rt := &runtime{
		cfg:         cfg,
		logger:      logger,
		metrics:     metrics.New(),
		levelPinned: flags.logLevel != "",
	}
	if path := cfg.Fold.FoldtextScript; path != "" {
		f, err := script.LoadFile(path, script.WithLogger(logger))
		if err != nil {
			_ = logger.Close()
			return nil, err
		}
		rt.script = f
		rt.format = f
	}
	logger.Debug("configuration loaded", zap.String("path", cfg.Path))
	return rt, nil
}

// newRegistry builds the session registry rendering into view. With
// inProcess the reference analyzer runs as goroutines instead of child
// processes.
func (rt *runtime) newRegistry(view session.View, inProcess bool) (*session.Registry, error) {
	opts := []session.Option{
		session.WithLogger(rt.logger),
		session.WithMetrics(rt.metrics),
	}
	if rt.format != nil {
		opts = append(opts, session.WithFormatter(rt.format))
	}

	if inProcess {
		opts = append(opts,
			session.WithSpawner(analyzer.NewInProcess()),
			session.WithLocator(inProcessBinary),
		)
	} else {
		log := rt.logger.WithComponent("process")
		rt.sup = process.NewSupervisor(
			process.WithMaxProcesses(rt.cfg.Process.MaxProcesses),
			process.WithExitCallback(func(p *process.Process) {
				code, signal := p.ExitStatus()
				log.Debug("analyzer exited",
					zap.String("process", p.ID()),
					zap.Int("code", code),
					zap.String("signal", signal),
					zap.Duration("runtime", p.Runtime()))
			}),
		)
		opts = append(opts, session.WithSpawner(session.NewOSSpawner(rt.sup)))
	}
	return session.NewRegistry(rt.cfg.SessionSettings(), view, opts...)
}

// inProcessBinary tells the in-process spawner which codec to speak.
func inProcessBinary(cfg session.AnalyzerConfig) (session.Binary, error) {
	bin := session.Binary{Path: analyzer.Name}
	if cfg.Codec != "" {
		bin.Args = []string{"--codec", cfg.Codec}
	}
	return bin, nil
}

// watch applies configuration file changes to reg until the returned stop
// function is called.
func (rt *runtime) watch(reg *session.Registry) (stop func(), err error) {
	if rt.cfg.Path == "" {
		return func() {}, nil
	}
	w, err := config.NewWatcher(rt.cfg, config.WithWatchLogger(rt.logger))
	if err != nil {
		return nil, err
	}
	w.Subscribe(func(cfg *config.Config) {
		if !rt.levelPinned {
			if err := rt.logger.SetLevel(cfg.Log.Level); err != nil {
				rt.logger.Warn("log level not applied", zap.Error(err))
			}
		}
		if err := reg.Reconfigure(cfg.SessionSettings()); err != nil {
			rt.logger.Warn("session settings not applied", zap.Error(err))
		}
	})
	return func() { _ = w.Close() }, nil
}

// serveMetrics exposes /metrics when metrics.listen is set.
func (rt *runtime) serveMetrics(ctx context.Context) {
	addr := rt.cfg.Metrics.Listen
	if addr == "" {
		return
	}
	go func() {
		rt.logger.Info("serving metrics", zap.String("addr", addr))
		if err := rt.metrics.Serve(ctx, addr); err != nil {
			rt.logger.Error("metrics server failed", zap.Error(err))
		}
	}()
}

// close stops every analyzer still running and releases the logger.
func (rt *runtime) close() {
	if rt.sup != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := rt.sup.Shutdown(ctx, rt.cfg.Process.GracePeriod); err != nil {
			rt.logger.Warn("analyzer shutdown", zap.Error(err))
		}
		cancel()
	}
	if rt.script != nil {
		_ = rt.script.Close()
	}
	_ = rt.logger.Sync()
	_ = rt.logger.Close()
}
