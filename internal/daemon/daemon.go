// Package daemon assembles the spooler, device registry, publisher and their
// supporting services into one running process.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/orrn/instalabel/internal/api"
	"github.com/orrn/instalabel/internal/api/handlers"
	"github.com/orrn/instalabel/internal/api/middleware"
	"github.com/orrn/instalabel/internal/archive"
	"github.com/orrn/instalabel/internal/backend"
	"github.com/orrn/instalabel/internal/config"
	"github.com/orrn/instalabel/internal/core"
	"github.com/orrn/instalabel/internal/db"
	"github.com/orrn/instalabel/internal/discovery"
	"github.com/orrn/instalabel/internal/hotplug"
	"github.com/orrn/instalabel/internal/logging"
	"github.com/orrn/instalabel/internal/webhook"
)

const lockFileName = "instalabel.lock"

var ErrAlreadyRunning = errors.New("another instalabel daemon is already running")

// Daemon owns every long-lived component. Build it with New, then call Run.
type Daemon struct {
	cfg    *config.Config
	logger *zap.Logger

	lockPath string
	lock     *flock.Flock
	running  atomic.Bool

	store     *db.Store
	publisher *core.Publisher
	registry  *core.Registry
	spooler   *core.Spooler
	network   *backend.Network
	archiver  *archive.Archiver
	sender    *webhook.Sender
	hotplug   *hotplug.Monitor
	server    *api.Server
}

// New opens the history store and wires the components. Nothing runs until
// Run is called.
func New(cfg *config.Config, logger *zap.Logger) (*Daemon, error) {
	if cfg == nil {
		return nil, errors.New("daemon requires a config")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := db.Open(db.Config{Path: cfg.Database.Path})
	if err != nil {
		return nil, err
	}

	d := &Daemon{
		cfg:       cfg,
		logger:    logging.NewComponentLogger(logger, "daemon"),
		lockPath:  filepath.Join(cfg.DataDir, lockFileName),
		store:     store,
		publisher: core.NewPublisher(),
	}
	d.lock = flock.New(d.lockPath)

	if err := d.wire(logger); err != nil {
		store.Close()
		return nil, err
	}
	return d, nil
}

// devices is the printer-facing half of the daemon: the combined submit
// backend, the network driver and the registry that merges both transports.
type devices struct {
	backend  *backend.Multi
	network  *backend.Network
	registry *core.Registry
}

func buildDevices(cfg *config.Config, notifier core.Notifier, logger *zap.Logger) (*devices, error) {
	network := backend.NewNetwork(cfg.Printers.Network, backend.NetworkOptions{
		LabelWidthMM:      cfg.Label.WidthMM,
		DefaultDPI:        cfg.Label.DPI,
		DefaultGapMM:      cfg.Label.GapMM,
		ConnectionTimeout: cfg.Printers.ConnectionTimeout,
		Logger:            logging.NewComponentLogger(logger, "network"),
	})

	backends := []core.PrinterBackend{network}
	if cfg.Printers.CUPS.Enabled {
		cups := backend.NewCUPS(backend.CUPSOptions{
			LpstatPath: cfg.Printers.CUPS.LpstatPath,
			LpPath:     cfg.Printers.CUPS.LpPath,
			Logger:     logging.NewComponentLogger(logger, "cups"),
		})
		backends = append([]core.PrinterBackend{cups}, backends...)
	}
	multi := backend.NewMulti(backends...)

	device := backend.NewDevice(
		core.NewTSPL2Generator(cfg.Label.DPI, cfg.Label.GapMM),
		cfg.Label.WidthMM,
		logging.NewComponentLogger(logger, "device"),
	)
	for _, dev := range cfg.Wireless.Devices {
		if dev.Device == "" {
			continue
		}
		device.Add(dev.Name, dev.Device)
		multi.Route(dev.Name, device)
	}

	wireless, err := discovery.New(cfg.Wireless, logging.NewComponentLogger(logger, "discovery"))
	if err != nil {
		return nil, fmt.Errorf("failed to build wireless discovery: %w", err)
	}

	registry := core.NewRegistry(multi, wireless, notifier, core.RegistryOptions{
		RelevanceKeywords: cfg.Printers.RelevanceKeywords,
		PreferredKeywords: cfg.Printers.PreferredKeywords,
		EnumerateTimeout:  cfg.Printers.EnumerateTimeout,
		Logger:            logging.NewComponentLogger(logger, "registry"),
	})

	return &devices{backend: multi, network: network, registry: registry}, nil
}

// Inventory runs one wireless scan and returns the merged printer snapshot
// without starting the daemon.
func Inventory(ctx context.Context, cfg *config.Config, logger *zap.Logger) (core.Snapshot, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	devs, err := buildDevices(cfg, nil, logger)
	if err != nil {
		return core.Snapshot{}, err
	}
	defer devs.network.Close()

	devs.registry.Scan(ctx)
	return devs.registry.Snapshot(ctx), nil
}

func (d *Daemon) wire(logger *zap.Logger) error {
	cfg := d.cfg

	devs, err := buildDevices(cfg, d.publisher, logger)
	if err != nil {
		return err
	}
	d.network = devs.network
	d.registry = devs.registry

	d.spooler = core.NewSpooler(d.registry, core.NewRenderer(cfg.Label.WidthMM), devs.backend, d.publisher, core.SpoolerOptions{
		LabelWidthMM:      cfg.Label.WidthMM,
		RetryDelay:        cfg.Queue.RetryDelay,
		MaxRetries:        cfg.Queue.MaxRetries,
		PreferredKeywords: cfg.Printers.PreferredKeywords,
		Recorder:          d.store,
		Logger:            logging.NewComponentLogger(logger, "spooler"),
	})

	var archiver handlers.Archiver
	if cfg.Database.ArchiveDays > 0 {
		d.archiver, err = archive.NewArchiver(d.store, archive.ArchiveConfig{
			ArchivePath: cfg.Database.ArchivePath,
			ArchiveDays: cfg.Database.ArchiveDays,
			Logger:      logger,
		})
		if err != nil {
			return fmt.Errorf("failed to build archiver: %w", err)
		}
		archiver = d.archiver
	}

	var hooks handlers.WebhookSender
	d.sender = webhook.NewSender(webhook.SenderConfig{
		Endpoints: cfg.Webhooks,
		Logger:    logger,
	})
	if d.sender != nil {
		hooks = d.sender
	}

	if cfg.Hotplug.Enabled {
		d.hotplug = hotplug.New(logger, d.onDeviceEvent)
	}

	auth, err := middleware.NewAuthMiddleware(cfg.Auth)
	if err != nil {
		return fmt.Errorf("failed to configure auth: %w", err)
	}

	d.server = api.NewServer(api.Options{
		Spooler:  d.spooler,
		Registry: d.registry,
		Hub:      d.publisher,
		History:  d.store,
		Archiver: archiver,
		Webhooks: hooks,
		Status:   d.network,
		Auth:     auth,
		Settings: cfg,
		Config:   cfg.Server,
		Logger:   logger,
	})
	return nil
}

// onDeviceEvent republishes status when a wired printer comes or goes, and
// rescans when the event concerns a wireless adapter.
func (d *Daemon) onDeviceEvent(ctx context.Context, ev hotplug.Event) {
	if ev.Wireless() {
		d.registry.Scan(ctx)
		return
	}
	d.registry.PublishStatus(ctx)
}

// Run takes the single-instance lock and serves until ctx is done or a
// component fails. The daemon cannot be run again afterwards.
func (d *Daemon) Run(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return errors.New("daemon already started")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return ErrAlreadyRunning
	}
	defer func() {
		if err := d.lock.Unlock(); err != nil {
			d.logger.Warn("failed to release daemon lock", zap.Error(err))
		}
	}()

	d.logger.Info("instalabel daemon started",
		zap.String("address", d.cfg.Server.Address),
		zap.String("lock", d.lockPath),
		zap.Float64("label_width_mm", d.cfg.Label.WidthMM),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return d.server.ListenAndServe(gctx)
	})

	g.Go(func() error {
		return d.registry.Monitor(gctx, d.cfg.Wireless.RefreshInterval)
	})

	g.Go(func() error {
		timer := time.NewTimer(d.cfg.Wireless.InitialScanDelay)
		defer timer.Stop()
		select {
		case <-gctx.Done():
			return nil
		case <-timer.C:
		}
		d.registry.Scan(gctx)
		return nil
	})

	if d.hotplug != nil {
		g.Go(func() error {
			if err := d.hotplug.Start(gctx); err != nil {
				return err
			}
			<-gctx.Done()
			d.hotplug.Stop()
			return nil
		})
	}

	if d.archiver != nil {
		g.Go(func() error {
			return d.archiver.Run(gctx)
		})
	}

	if d.sender != nil {
		g.Go(func() error {
			return d.sender.Run(gctx, d.publisher)
		})
	}

	err = g.Wait()
	d.shutdown()
	if err != nil {
		return err
	}
	d.logger.Info("instalabel daemon stopped")
	return nil
}

func (d *Daemon) shutdown() {
	d.spooler.Close()
	if err := d.network.Close(); err != nil {
		d.logger.Warn("failed to close network printers", zap.Error(err))
	}
	d.publisher.Close()
}

// Close releases the history store. Call it after Run returns.
func (d *Daemon) Close() error {
	return d.store.Close()
}

// Handler exposes the HTTP surface without starting a listener.
func (d *Daemon) Handler() http.Handler {
	return d.server.Handler()
}

func (d *Daemon) LockPath() string {
	return d.lockPath
}
