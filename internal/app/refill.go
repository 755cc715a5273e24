package app

import (
	"context"
	"time"

	"github.com/scanforge/scanforge-server/internal/ledger"
	"github.com/scanforge/scanforge-server/internal/models"
	"github.com/scanforge/scanforge-server/internal/settings"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const refillSweepBatchSize = 500

// RefillSweeper periodically walks plus-tier users and applies the monthly
// allowance top-up to any profile whose refill is due. The balance endpoint
// also refills lazily, so the sweeper only covers users who never log in.
type RefillSweeper struct {
	db     *gorm.DB
	ledger *ledger.Ledger
}

func NewRefillSweeper(db *gorm.DB, l *ledger.Ledger) *RefillSweeper {
	if db == nil || l == nil {
		return nil
	}
	return &RefillSweeper{db: db, ledger: l}
}

// Start launches the sweep loop in a background goroutine.
func (s *RefillSweeper) Start(ctx context.Context) {
	if s == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	go s.run(ctx)
	log.Info("monthly refill sweeper started")
}

func (s *RefillSweeper) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		s.sweepOnce(ctx)
		interval := time.Duration(settings.IntValue(settings.RefillSweepIntervalSecondsKey, settings.DefaultRefillSweepIntervalSeconds)) * time.Second
		if interval <= 0 {
			interval = time.Duration(settings.DefaultRefillSweepIntervalSeconds) * time.Second
		}
		timer := time.NewTimer(interval)
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

func (s *RefillSweeper) sweepOnce(ctx context.Context) {
	if s == nil || s.db == nil {
		return
	}

	refilled := 0
	lastID := uint64(0)
	for {
		if ctx.Err() != nil {
			return
		}
		var users []models.User
		errFind := s.db.WithContext(ctx).
			Where("tier = ? AND id > ?", models.TierPlus, lastID).
			Order("id ASC").
			Limit(refillSweepBatchSize).
			Find(&users).Error
		if errFind != nil {
			log.WithError(errFind).Warn("refill sweeper: list users failed")
			return
		}
		if len(users) == 0 {
			break
		}
		for _, user := range users {
			applied, errRefill := s.ledger.RefillMonthly(ctx, user.ID, user.Tier)
			if errRefill != nil {
				log.WithError(errRefill).Warnf("refill sweeper: refill failed (user_id=%d)", user.ID)
				continue
			}
			if applied {
				refilled++
			}
		}
		lastID = users[len(users)-1].ID
	}

	if refilled > 0 {
		log.Infof("refill sweeper: applied monthly refill to %d users", refilled)
	}
}
