package app

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/biobank-intake/internal/domain"
	"github.com/tbourn/biobank-intake/internal/repo"
)

// mirrorSyncer is the part of the coordinator the refresh job drives.
type mirrorSyncer interface {
	SyncDown(ctx context.Context) ([]string, error)
	SyncUp(ctx context.Context) ([]string, error)
}

// refreshJob keeps the local mirrors current between submissions. When some
// attempt still has an unfinished upload the local files are ahead of the
// remote ones, so it pushes instead of pulling. It also drops expired
// attempts.
type refreshJob struct {
	db      *gorm.DB
	svc     mirrorSyncer
	timeout time.Duration
	now     func() time.Time
}

// Run implements cron.Job.
func (j *refreshJob) Run() {
	ctx := context.Background()
	if j.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.timeout)
		defer cancel()
	}
	now := time.Now().UTC()
	if j.now != nil {
		now = j.now()
	}

	if n, err := repo.PurgeExpiredAttempts(ctx, j.db, now); err != nil {
		log.Warn().Err(err).Msg("purge expired attempts")
	} else if n > 0 {
		log.Info().Int64("purged", n).Msg("expired submission attempts removed")
	}

	counts, err := repo.AttemptCountsByState(ctx, j.db)
	if err != nil {
		log.Warn().Err(err).Msg("count attempts; skipping refresh")
		return
	}

	direction, sync := "down", j.svc.SyncDown
	if counts[domain.AttemptPersisted] > 0 {
		direction, sync = "up", j.svc.SyncUp
	}
	warnings, err := sync(ctx)
	if err != nil {
		log.Error().Err(err).Str("direction", direction).Msg("mirror refresh failed")
		return
	}
	log.Info().Str("direction", direction).Strs("warnings", warnings).Msg("mirror refresh done")
}

// cronLogger routes robfig/cron logs to zerolog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	log.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	log.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
