package usage

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	defaultRetentionInterval = 6 * time.Hour
	defaultDeleteBatchSize   = 5000
	maxDeleteBatchesPerRun   = 2000
)

// RetentionCleaner periodically deletes old rows from the request log.
// A non-positive retention keeps rows forever.
type RetentionCleaner struct {
	db            *gorm.DB
	retentionDays int
	interval      time.Duration
	batchSize     int
}

// NewRetentionCleaner constructs a cleaner; nil when there is no store.
func NewRetentionCleaner(db *gorm.DB, retentionDays int) *RetentionCleaner {
	if db == nil {
		return nil
	}
	return &RetentionCleaner{
		db:            db,
		retentionDays: retentionDays,
		interval:      defaultRetentionInterval,
		batchSize:     defaultDeleteBatchSize,
	}
}

// Start launches the cleanup loop in a background goroutine.
func (c *RetentionCleaner) Start(ctx context.Context) {
	if c == nil || c.retentionDays <= 0 {
		return
	}
	go c.run(ctx)
	log.Infof("usage: retention cleaner started (days=%d interval=%s)", c.retentionDays, c.interval)
}

func (c *RetentionCleaner) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		c.cleanupOnce(ctx)
		timer := time.NewTimer(c.interval)
		select {
		case <-ctx.Done():
			if !timer.Stop() {
				<-timer.C
			}
			return
		case <-timer.C:
		}
	}
}

func (c *RetentionCleaner) cleanupOnce(ctx context.Context) {
	if c == nil || c.db == nil || c.retentionDays <= 0 {
		return
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -c.retentionDays)

	deletedTotal := int64(0)
	for i := 0; i < maxDeleteBatchesPerRun; i++ {
		if ctx.Err() != nil {
			return
		}
		n, errDelete := c.deleteBatch(ctx, cutoff)
		if errDelete != nil {
			log.WithError(errDelete).Warn("usage: retention delete batch failed")
			break
		}
		if n <= 0 {
			break
		}
		deletedTotal += n
	}

	if deletedTotal > 0 {
		log.Infof("usage: retention cleaner deleted %d rows (cutoff=%s)", deletedTotal, cutoff.Format(time.RFC3339))
	}
}

// deleteBatch removes one bounded batch so long-running transactions never
// hold table locks.
func (c *RetentionCleaner) deleteBatch(ctx context.Context, cutoff time.Time) (int64, error) {
	limit := c.batchSize
	if limit <= 0 {
		limit = defaultDeleteBatchSize
	}
	res := c.db.WithContext(ctx).Exec(`
		DELETE FROM request_logs
		WHERE id IN (
			SELECT id FROM request_logs
			WHERE requested_at < ?
			ORDER BY requested_at ASC
			LIMIT ?
		)
	`, cutoff, limit)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}
