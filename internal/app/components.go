// Package app assembles the intake core from a config.Config: the attempt
// database, the shared file lock, the ledger, the record store, the SFTP
// gateway, the notification dispatcher and the submission coordinator. Both
// the HTTP server and the CLI commands start from NewComponents.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/biobank-intake/internal/config"
	"github.com/tbourn/biobank-intake/internal/domain"
	"github.com/tbourn/biobank-intake/internal/filelock"
	"github.com/tbourn/biobank-intake/internal/ledger"
	"github.com/tbourn/biobank-intake/internal/notify"
	"github.com/tbourn/biobank-intake/internal/observability"
	"github.com/tbourn/biobank-intake/internal/records"
	"github.com/tbourn/biobank-intake/internal/remote"
	"github.com/tbourn/biobank-intake/internal/repo"
	"github.com/tbourn/biobank-intake/internal/services"
)

// Components is the wired application.
type Components struct {
	Config   config.Config
	DB       *gorm.DB
	Lock     *filelock.Lock
	Ledger   *ledger.Ledger
	Store    *records.Store
	Gateway  *remote.Gateway
	Notifier *notify.Dispatcher // nil when mail is not configured
	Service  *services.SubmissionService

	cron *cron.Cron
}

// Option customizes NewComponents.
type Option func(*options)

type options struct {
	dialer remote.Dialer
	sender notify.Sender
}

// WithDialer replaces the SSH dialer of the gateway.
func WithDialer(d remote.Dialer) Option { return func(o *options) { o.dialer = d } }

// WithSender replaces the SMTP mailer behind the notification dispatcher.
func WithSender(s notify.Sender) Option { return func(o *options) { o.sender = s } }

// NewComponents opens the database and builds every component. The ledger
// and the record store share one lock file so that a download never
// interleaves with an append.
func NewComponents(cfg config.Config, opts ...Option) (*Components, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	db, err := repo.OpenSQLite(cfg.DBPath, repo.WithBusyTimeout(cfg.LockTimeout))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		return nil, errors.Join(fmt.Errorf("migrate database: %w", err), closeDB(db))
	}

	lock := filelock.New(cfg.Files.LockFile, cfg.LockTimeout, filelock.WithObserver(observability.ObserveLockWait))
	c := &Components{
		Config: cfg,
		DB:     db,
		Lock:   lock,
		Ledger: ledger.New(cfg.Files.LocalLedger, lock),
		Store:  records.New(cfg.Files.LocalRecords, lock),
	}

	gwOpts := []remote.Option{remote.WithTransferTimeout(cfg.Remote.TransferTimeout)}
	if o.dialer != nil {
		gwOpts = append(gwOpts, remote.WithDialer(o.dialer))
	} else {
		gwOpts = append(gwOpts, remote.WithDialer(remote.DialSSH(cfg.Remote.ConnectTimeout)))
	}
	c.Gateway = remote.New(remote.Credentials{
		Host:           cfg.Remote.Host,
		Port:           cfg.Remote.Port,
		User:           cfg.Remote.User,
		Password:       cfg.Remote.Password,
		Dir:            cfg.Remote.Dir,
		KnownHostsFile: cfg.Remote.KnownHostsFile,
	}, gwOpts...)
	if !c.Gateway.Enabled() {
		log.Warn().Msg("REMOTE_HOST not set; running on local files only")
	}

	var notifier services.Notifier
	if len(cfg.SMTP.Recipients) > 0 && (cfg.SMTP.Host != "" || o.sender != nil) {
		sender := o.sender
		if sender == nil {
			sender = notify.NewMailer(notify.SMTPConfig{
				Host:     cfg.SMTP.Host,
				Port:     cfg.SMTP.Port,
				Username: cfg.SMTP.Username,
				Password: cfg.SMTP.Password,
				From:     cfg.SMTP.From,
				Timeout:  cfg.SMTP.Timeout,
			})
		}
		d, err := notify.NewDispatcher(sender, cfg.SMTP.Recipients, cfg.SMTP.Workers, cfg.SMTP.Timeout)
		if err != nil {
			return nil, errors.Join(err, closeDB(db))
		}
		c.Notifier, notifier = d, d
	}

	svc := services.NewSubmissionService(db, attemptRepoShim{}, c.Ledger, c.Store, gatewayShim{c.Gateway}, notifier)
	svc.Lock = lock
	svc.RecordsRemote = cfg.Files.RemoteRecords
	svc.LedgerRemote = cfg.Files.RemoteLedger
	svc.AttemptTTL = cfg.AttemptTTL
	c.Service = svc
	return c, nil
}

// StartRefresh schedules the periodic mirror refresh when
// SYNC_REFRESH_SCHEDULE is set. It is a no-op otherwise.
func (c *Components) StartRefresh() error {
	if c.Config.SyncRefreshSchedule == "" {
		return nil
	}
	cl := cronLogger{}
	c.cron = cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	job := &refreshJob{db: c.DB, svc: c.Service, timeout: c.Config.Remote.TransferTimeout * 3}
	if _, err := c.cron.AddJob(c.Config.SyncRefreshSchedule, job); err != nil {
		return fmt.Errorf("schedule refresh %q: %w", c.Config.SyncRefreshSchedule, err)
	}
	c.cron.Start()
	log.Info().Str("schedule", c.Config.SyncRefreshSchedule).Msg("mirror refresh scheduled")
	return nil
}

// Close stops the scheduler, drains queued notifications and closes the
// database.
func (c *Components) Close(ctx context.Context) error {
	var errs []error
	if c.cron != nil {
		select {
		case <-c.cron.Stop().Done():
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("refresh job still running: %w", ctx.Err()))
		}
	}
	if c.Notifier != nil {
		if err := c.Notifier.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain notifications: %w", err))
		}
	}
	errs = append(errs, closeDB(c.DB))
	return errors.Join(errs...)
}

func closeDB(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// attemptRepoShim adapts the repo free functions to services.AttemptRepo.
type attemptRepoShim struct{}

func (attemptRepoShim) GetAttempt(ctx context.Context, db *gorm.DB, sessionID, key string, now time.Time) (*domain.SubmissionAttempt, error) {
	return repo.GetAttempt(ctx, db, sessionID, key, now)
}

func (attemptRepoShim) CreateAttempt(ctx context.Context, db *gorm.DB, sessionID, key, prefix, sampleID string, payload []byte, ttl time.Duration) (*domain.SubmissionAttempt, error) {
	return repo.CreateAttempt(ctx, db, sessionID, key, prefix, sampleID, payload, ttl)
}

func (attemptRepoShim) MarkAttempt(ctx context.Context, db *gorm.DB, id, state string, recordID int, lastErr string) error {
	return repo.MarkAttempt(ctx, db, id, state, recordID, lastErr)
}

func (attemptRepoShim) ListAttemptIDs(ctx context.Context, db *gorm.DB, state string) ([]string, error) {
	return repo.ListAttemptIDs(ctx, db, state)
}

func (attemptRepoShim) MarkAttemptsSynced(ctx context.Context, db *gorm.DB, ids []string) (int64, error) {
	return repo.MarkAttemptsSynced(ctx, db, ids)
}

func (attemptRepoShim) CreateSyncEvent(ctx context.Context, db *gorm.DB, ev *domain.SyncEvent) error {
	return repo.CreateSyncEvent(ctx, db, ev)
}

// gatewayShim narrows *remote.Session to services.SyncSession.
type gatewayShim struct{ *remote.Gateway }

func (g gatewayShim) Connect(ctx context.Context) (services.SyncSession, error) {
	s, err := g.Gateway.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return s, nil
}
