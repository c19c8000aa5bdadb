package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/neuroplastio/tbpatch/internal/backupsvc"
	"github.com/neuroplastio/tbpatch/internal/configsvc"
	"github.com/neuroplastio/tbpatch/internal/devsvc"
	"github.com/neuroplastio/tbpatch/internal/devsvc/i2cdev"
	"github.com/neuroplastio/tbpatch/internal/devsvc/imagefile"
	"github.com/neuroplastio/tbpatch/internal/devsvc/mcp2221"
	"github.com/neuroplastio/tbpatch/internal/eeprom"
	"github.com/neuroplastio/tbpatch/internal/jobs"
	"github.com/neuroplastio/tbpatch/internal/patcher"
	"github.com/neuroplastio/tbpatch/internal/patchset"
	"go.uber.org/dig"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

var (
	ErrNoDevice       = errors.New("no device selected")
	ErrDeviceNotFound = errors.New("device not found")
)

type Agent struct {
	config       Config
	deviceConfig DeviceConfig

	log       *zap.Logger
	db        *badger.DB
	configSvc *configsvc.Service
	devSvc    *devsvc.Service
	jobs      *jobs.Coordinator
	engine    *patcher.Engine
	backups   *backupsvc.Service
}

type agentParams struct {
	dig.In

	Config       Config
	DeviceConfig DeviceConfig
	Log          *zap.Logger
	DB           *badger.DB
	ConfigSvc    *configsvc.Service
	DevSvc       *devsvc.Service
	Jobs         *jobs.Coordinator
	Engine       *patcher.Engine
	Backups      *backupsvc.Service
}

func newLogger(config Config) (*zap.Logger, error) {
	loggerConfig := zap.NewDevelopmentConfig()
	loggerConfig.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000000000")
	loggerConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	loggerConfig.DisableStacktrace = true
	if !config.Verbose {
		loggerConfig.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}
	logger, err := loggerConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return logger, nil
}

func openDB(config Config, logger *zap.Logger) (*badger.DB, error) {
	dir := filepath.Join(config.DataDir, "db")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	dbOptions := badger.DefaultOptions(dir)
	dbOptions.Logger = &badgerLogger{l: logger.Named("badger")}

	db, err := badger.Open(dbOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}
	return db, nil
}

func newDeviceService(db *badger.DB, logger *zap.Logger, dc DeviceConfig) *devsvc.Service {
	var opts []devsvc.Option
	if dc.I2C.Enabled {
		opts = append(opts, devsvc.WithBackend("i2c", i2cdev.NewBackend(logger.Named("devices.i2c"),
			i2cdev.WithAddresses(dc.I2C.Addresses...),
			i2cdev.WithAdapterFilter(dc.I2C.Adapter),
		)))
	}
	if dc.MCP2221.Enabled {
		opts = append(opts, devsvc.WithBackend("mcp2221", mcp2221.NewBackend(logger.Named("devices.mcp2221"),
			mcp2221.WithAddresses(dc.MCP2221.Addresses...),
			mcp2221.WithSpeed(dc.MCP2221.Speed),
		)))
	}
	if dc.Images.Enabled {
		opts = append(opts, devsvc.WithBackend("image", imagefile.NewBackend(logger.Named("devices.image"), dc.Images.Dir)))
	}
	return devsvc.New(db, logger.Named("devices"), time.Now, opts...)
}

func newEngine(logger *zap.Logger, dc DeviceConfig) *patcher.Engine {
	return patcher.New(
		patcher.WithLogger(logger.Named("patcher")),
		patcher.WithVerifyRetries(dc.Engine.VerifyRetries),
		patcher.WithRetryInterval(time.Duration(dc.Engine.RetryInterval)),
	)
}

func provide(c *dig.Container, config Config, opened **badger.DB) error {
	constructors := []any{
		func() Config { return config },
		newLogger,
		func() (DeviceConfig, error) {
			return configsvc.LoadOrInit(config.DeviceConfig, DefaultDeviceConfig(config.DeviceConfig))
		},
		func(config Config, logger *zap.Logger) (*badger.DB, error) {
			db, err := openDB(config, logger)
			*opened = db
			return db, err
		},
		func(logger *zap.Logger) *configsvc.Service {
			return configsvc.New(logger.Named("config"))
		},
		newDeviceService,
		func(logger *zap.Logger) *jobs.Coordinator {
			return jobs.NewCoordinator(logger.Named("jobs"), time.Now)
		},
		newEngine,
		func(db *badger.DB, logger *zap.Logger, dc DeviceConfig) *backupsvc.Service {
			return backupsvc.New(db, logger.Named("backups"), time.Now, backupsvc.WithRetain(dc.Backups.Retain))
		},
	}
	for _, constructor := range constructors {
		if err := c.Provide(constructor); err != nil {
			return err
		}
	}
	return nil
}

func NewAgent(config Config) (*Agent, error) {
	c := dig.New()
	var db *badger.DB
	if err := provide(c, config, &db); err != nil {
		return nil, fmt.Errorf("failed to wire agent: %w", err)
	}
	var a *Agent
	err := c.Invoke(func(p agentParams) {
		a = &Agent{
			config:       p.Config,
			deviceConfig: p.DeviceConfig,
			log:          p.Log,
			db:           p.DB,
			configSvc:    p.ConfigSvc,
			devSvc:       p.DevSvc,
			jobs:         p.Jobs,
			engine:       p.Engine,
			backups:      p.Backups,
		}
	})
	if err != nil {
		if db != nil {
			db.Close()
		}
		return nil, fmt.Errorf("failed to create agent: %w", dig.RootCause(err))
	}
	return a, nil
}

func (a *Agent) Close() error {
	var errs error
	if err := a.devSvc.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := a.db.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}
	_ = a.log.Sync()
	return errs
}

type badgerLogger struct {
	l *zap.Logger
}

func (l badgerLogger) Errorf(msg string, args ...any) {
	l.l.Error(fmt.Sprintf(msg, args...))
}

func (l badgerLogger) Warningf(msg string, args ...any) {
	l.l.Warn(fmt.Sprintf(msg, args...))
}

func (l badgerLogger) Infof(msg string, args ...any) {
	l.l.Info(fmt.Sprintf(msg, args...))
}

func (l badgerLogger) Debugf(msg string, args ...any) {
	l.l.Debug(fmt.Sprintf(msg, args...))
}

// Run watches for devices and for changes of the device configuration until
// the context is cancelled. Discovery passes go through the job coordinator and
// are skipped while another job runs.
func (a *Agent) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	trigger := make(chan struct{}, 1)
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return a.configSvc.Start(groupCtx)
	})
	group.Go(func() error {
		select {
		case <-groupCtx.Done():
			return nil
		case <-a.configSvc.Ready():
		}
		_, err := configsvc.Register(a.configSvc, a.config.DeviceConfig, a.deviceConfig, func(cfg DeviceConfig, err error) {
			if err != nil {
				a.log.Error("failed to parse device config", zap.Error(err))
				return
			}
			a.log.Info("device config changed, backend changes apply after restart")
			select {
			case trigger <- struct{}{}:
			default:
			}
		})
		if err != nil {
			return fmt.Errorf("failed to register device config: %w", err)
		}
		return a.devSvc.Watch(groupCtx, time.Duration(a.deviceConfig.Watch.Interval), trigger, func(ctx context.Context) (*devsvc.Registry, error) {
			task, err := a.DiscoverDevices(ctx)
			if err != nil {
				return nil, err
			}
			return task.Wait(ctx)
		})
	})

	err := group.Wait()
	if err != nil {
		return fmt.Errorf("agent failed: %w", err)
	}
	return nil
}

// DiscoverDevices replaces the device registry in the background.
func (a *Agent) DiscoverDevices(ctx context.Context) (*jobs.Task[*devsvc.Registry], error) {
	return jobs.Submit(ctx, a.jobs, "discover", a.devSvc.Discover)
}

func (a *Agent) Devices() *devsvc.Registry {
	return a.devSvc.Devices()
}

func (a *Agent) FindDevice(path *string, id *uuid.UUID) *devsvc.Device {
	return a.devSvc.Find(path, id)
}

// ResolveDevice finds a device by UUID, key, ID or transport path.
func (a *Agent) ResolveDevice(selector string) (*devsvc.Device, error) {
	var dev *devsvc.Device
	if id, err := uuid.Parse(selector); err == nil {
		dev = a.FindDevice(nil, &id)
	} else {
		dev = a.FindDevice(&selector, nil)
	}
	if dev == nil {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, selector)
	}
	return dev, nil
}

func (a *Agent) KnownDevices() ([]devsvc.KnownDevice, error) {
	return a.devSvc.ListKnown()
}

func (a *Agent) JobState() jobs.JobState {
	return a.jobs.State()
}

func (a *Agent) memory(dev *devsvc.Device) *eeprom.Memory {
	return eeprom.New(dev.Flash(),
		eeprom.WithVerify(a.deviceConfig.Engine.Verify),
		eeprom.WithLogger(a.log.Named("eeprom").With(zap.String("device", dev.Key()))),
	)
}

// EEPROMDump reads size bytes at offset in the background. A zero size reads
// up to the end of the device.
func (a *Agent) EEPROMDump(ctx context.Context, dev *devsvc.Device, offset, size uint32) (*jobs.Task[[]byte], error) {
	if dev == nil {
		return nil, ErrNoDevice
	}
	mem := a.memory(dev)
	if size == 0 && offset < mem.Size() {
		size = mem.Size() - offset
	}
	return jobs.Submit(ctx, a.jobs, "dump", func(ctx context.Context) ([]byte, error) {
		return mem.Read(ctx, offset, size)
	})
}

func (a *Agent) GeneratePatchSets(raw []any) (*patchset.PatchSet, error) {
	return patchset.Parse(raw, patchset.WithLimit(eeprom.Size))
}

type patchOptions struct {
	backup   bool
	observer patcher.Observer
}

type PatchOption func(*patchOptions)

// WithoutBackup skips storing the patch window before writing.
func WithoutBackup() PatchOption {
	return func(o *patchOptions) {
		o.backup = false
	}
}

func WithProgress(observer patcher.Observer) PatchOption {
	return func(o *patchOptions) {
		o.observer = observer
	}
}

// EEPROMPatch applies ps, or its inverse when reverse is set, in the background.
// The patch window is backed up first unless disabled.
func (a *Agent) EEPROMPatch(ctx context.Context, dev *devsvc.Device, ps *patchset.PatchSet, reverse bool, opts ...PatchOption) (*jobs.Task[patcher.Result], error) {
	if dev == nil {
		return nil, ErrNoDevice
	}
	options := patchOptions{backup: a.deviceConfig.Backups.Enabled}
	for _, opt := range opts {
		opt(&options)
	}
	engine := a.engine
	if options.observer != nil {
		engine = engine.With(patcher.WithObserver(options.observer))
	}
	mem := a.memory(dev)
	return jobs.Submit(ctx, a.jobs, "patch", func(ctx context.Context) (patcher.Result, error) {
		// windows the device cannot hold are left to the engine to reject
		if options.backup && windowFits(mem, ps) {
			if err := a.backupWindow(ctx, mem, dev, ps, reverse); err != nil {
				return patcher.Result{}, &patcher.PatchFailed{Index: -1, Cause: err}
			}
		}
		return engine.Apply(ctx, mem, ps, reverse)
	})
}

func windowFits(mem *eeprom.Memory, ps *patchset.PatchSet) bool {
	if ps == nil || ps.Len() == 0 {
		return false
	}
	offset, size := ps.Window()
	return uint64(offset)+uint64(size) <= uint64(mem.Size())
}

func (a *Agent) backupWindow(ctx context.Context, mem *eeprom.Memory, dev *devsvc.Device, ps *patchset.PatchSet, reverse bool) error {
	offset, size := ps.Window()
	data, err := mem.Read(ctx, offset, size)
	if err != nil {
		return fmt.Errorf("failed to read backup window: %w", err)
	}
	if _, err := a.backups.Save(dev.Key(), offset, data, ps.ID(), reverse); err != nil {
		return err
	}
	return nil
}

// PatchStatus classifies the device bytes under the patch window.
func (a *Agent) PatchStatus(ctx context.Context, dev *devsvc.Device, ps *patchset.PatchSet) (*jobs.Task[patchset.DataMatch], error) {
	if dev == nil {
		return nil, ErrNoDevice
	}
	if ps == nil || ps.Len() == 0 {
		return nil, patcher.ErrInvalidPatchSet
	}
	mem := a.memory(dev)
	return jobs.Submit(ctx, a.jobs, "status", func(ctx context.Context) (patchset.DataMatch, error) {
		offset, size := ps.Window()
		window, err := mem.Read(ctx, offset, size)
		if err != nil {
			return patchset.DataUnknown, err
		}
		return ps.Classify(window), nil
	})
}

// Backups lists stored backups of dev, or of every device when dev is nil.
func (a *Agent) Backups(dev *devsvc.Device) ([]backupsvc.Backup, error) {
	if dev == nil {
		return a.backups.List("")
	}
	return a.backups.List(dev.Key())
}

// Restore writes a stored backup back to dev. id may be abbreviated to its
// leading or trailing characters.
func (a *Agent) Restore(ctx context.Context, dev *devsvc.Device, id string) (*jobs.Task[backupsvc.Backup], error) {
	if dev == nil {
		return nil, ErrNoDevice
	}
	found, err := a.backups.FindByAbbrev(dev.Key(), id)
	if err != nil {
		return nil, err
	}
	backup, data, err := a.backups.Get(dev.Key(), found.ID)
	if err != nil {
		return nil, err
	}
	mem := a.memory(dev)
	return jobs.Submit(ctx, a.jobs, "restore", func(ctx context.Context) (backupsvc.Backup, error) {
		if err := mem.Write(ctx, backup.Offset, data); err != nil {
			return backupsvc.Backup{}, err
		}
		a.log.Info("backup restored", zap.String("device", dev.Key()), zap.String("id", backup.ID))
		return backup, nil
	})
}
