// Package ledger owns the per-user token balance records. It is the only
// component permitted to mutate balances, and every mutation is a single
// atomic conditional write.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/scanforge/scanforge-server/internal/apperr"
	dbutil "github.com/scanforge/scanforge-server/internal/db"
	"github.com/scanforge/scanforge-server/internal/models"
	"github.com/scanforge/scanforge-server/internal/settings"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Token kinds tracked per profile.
const (
	KindGen = "gen"
	KindGeo = "geo"
)

// Default allotments granted when a profile is created lazily.
const (
	freeGenAllotment = 100
	freeGeoAllotment = 25
	plusGenAllotment = 500
	plusGeoAllotment = 250
)

// Ledger manages token profiles.
type Ledger struct {
	db *gorm.DB
}

// New constructs a Ledger.
func New(db *gorm.DB) *Ledger {
	return &Ledger{db: db}
}

// balanceColumn maps a token kind to its profile column.
func balanceColumn(kind string) (string, error) {
	switch kind {
	case KindGen:
		return "gen_tokens", nil
	case KindGeo:
		return "geo_tokens", nil
	default:
		return "", apperr.New(apperr.InvalidArgument, fmt.Sprintf("unknown token kind %q", kind))
	}
}

// defaultAllotment returns the initial balances for a tier.
func defaultAllotment(tier string) (gen, geo int64) {
	switch tier {
	case models.TierPlus, models.TierPro:
		return plusGenAllotment, plusGeoAllotment
	default:
		return freeGenAllotment, freeGeoAllotment
	}
}

// GetOrCreate returns the user's token profile, creating it lazily with the
// tier-dependent default allotment.
func (l *Ledger) GetOrCreate(ctx context.Context, userID uint64, tier string) (*models.TokenProfile, error) {
	if userID == 0 {
		return nil, apperr.New(apperr.InvalidArgument, "user id is required")
	}

	var profile models.TokenProfile
	errFind := l.db.WithContext(ctx).Where("user_id = ?", userID).First(&profile).Error
	if errFind == nil {
		return &profile, nil
	}
	if !errors.Is(errFind, gorm.ErrRecordNotFound) {
		return nil, apperr.Wrap(apperr.Internal, "query token profile failed", errFind)
	}

	gen, geo := defaultAllotment(tier)
	profile = models.TokenProfile{
		UserID:    userID,
		GenTokens: gen,
		GeoTokens: geo,
	}
	if errCreate := l.db.WithContext(ctx).Create(&profile).Error; errCreate != nil {
		// A concurrent request may have created the row first; the unique
		// index on user_id makes the create fail, so re-read.
		var existing models.TokenProfile
		if errRetry := l.db.WithContext(ctx).Where("user_id = ?", userID).First(&existing).Error; errRetry == nil {
			return &existing, nil
		}
		return nil, apperr.Wrap(apperr.Internal, "create token profile failed", errCreate)
	}
	return &profile, nil
}

// Balance returns the current balance for one token kind.
func (l *Ledger) Balance(ctx context.Context, userID uint64, kind string) (int64, error) {
	column, errKind := balanceColumn(kind)
	if errKind != nil {
		return 0, errKind
	}
	var balance int64
	errScan := l.db.WithContext(ctx).
		Model(&models.TokenProfile{}).
		Select(column).
		Where("user_id = ?", userID).
		Scan(&balance).Error
	if errScan != nil {
		return 0, apperr.Wrap(apperr.Internal, "query balance failed", errScan)
	}
	return balance, nil
}

// CanAfford reports whether the user's balance covers amount for the kind.
// Callers resolve the pro-tier bypass via Identity.Unlimited before asking.
func (l *Ledger) CanAfford(ctx context.Context, userID uint64, amount int64, kind string) (bool, error) {
	if amount < 0 {
		return false, apperr.New(apperr.InvalidArgument, "amount must not be negative")
	}
	balance, errBalance := l.Balance(ctx, userID, kind)
	if errBalance != nil {
		return false, errBalance
	}
	return balance >= amount, nil
}

// Debit atomically subtracts amount from the user's balance. A debit that
// would underflow is rejected with ResourceExhausted, never clamped. Returns
// the new balance.
func (l *Ledger) Debit(ctx context.Context, userID uint64, amount int64, kind string) (int64, error) {
	var remaining int64
	errTx := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var errDebit error
		remaining, errDebit = l.DebitTx(tx, userID, amount, kind)
		return errDebit
	})
	if errTx != nil {
		return 0, errTx
	}
	return remaining, nil
}

// DebitTx performs the debit inside an existing transaction so a caller can
// combine the charge with its own writes into one atomic operation.
//
// The subtraction is a conditional UPDATE guarded by the current balance;
// two concurrent debits against the same row can never both succeed when
// their sum exceeds the balance.
func (l *Ledger) DebitTx(tx *gorm.DB, userID uint64, amount int64, kind string) (int64, error) {
	column, errKind := balanceColumn(kind)
	if errKind != nil {
		return 0, errKind
	}
	if amount < 0 {
		return 0, apperr.New(apperr.InvalidArgument, "amount must not be negative")
	}
	if amount == 0 {
		return l.balanceTx(tx, userID, column)
	}

	res := tx.Model(&models.TokenProfile{}).
		Where("user_id = ? AND "+column+" >= ?", userID, amount).
		UpdateColumns(map[string]any{
			column:       gorm.Expr(column+" - ?", amount),
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return 0, apperr.Wrap(apperr.Internal, "debit failed", res.Error)
	}
	if res.RowsAffected == 0 {
		var exists int64
		if errCount := tx.Model(&models.TokenProfile{}).Where("user_id = ?", userID).Count(&exists).Error; errCount != nil {
			return 0, apperr.Wrap(apperr.Internal, "debit failed", errCount)
		}
		if exists == 0 {
			return 0, apperr.New(apperr.NotFound, "token profile not found")
		}
		return 0, apperr.New(apperr.ResourceExhausted, "insufficient "+kind+" tokens")
	}

	return l.balanceTx(tx, userID, column)
}

// Credit atomically adds amount to the user's balance.
func (l *Ledger) Credit(ctx context.Context, userID uint64, amount int64, kind string) (int64, error) {
	column, errKind := balanceColumn(kind)
	if errKind != nil {
		return 0, errKind
	}
	if amount < 0 {
		return 0, apperr.New(apperr.InvalidArgument, "amount must not be negative")
	}

	var remaining int64
	errTx := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.TokenProfile{}).
			Where("user_id = ?", userID).
			UpdateColumns(map[string]any{
				column:       gorm.Expr(column+" + ?", amount),
				"updated_at": time.Now().UTC(),
			})
		if res.Error != nil {
			return apperr.Wrap(apperr.Internal, "credit failed", res.Error)
		}
		if res.RowsAffected == 0 {
			return apperr.New(apperr.NotFound, "token profile not found")
		}
		var errBalance error
		remaining, errBalance = l.balanceTx(tx, userID, column)
		return errBalance
	})
	if errTx != nil {
		return 0, errTx
	}
	return remaining, nil
}

func (l *Ledger) balanceTx(tx *gorm.DB, userID uint64, column string) (int64, error) {
	var balance int64
	if errScan := tx.Model(&models.TokenProfile{}).
		Select(column).
		Where("user_id = ?", userID).
		Scan(&balance).Error; errScan != nil {
		return 0, apperr.Wrap(apperr.Internal, "query balance failed", errScan)
	}
	return balance, nil
}

// MonthKey formats a time as the refill gate key, e.g. "2026-08".
func MonthKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// RefillMonthly tops the balances of a paid-tier user up to the monthly
// allowance, at most once per calendar month. The refill raises balances to
// max(current, allowance); it never lowers an existing higher balance.
// Returns true when a refill was applied.
func (l *Ledger) RefillMonthly(ctx context.Context, userID uint64, tier string) (bool, error) {
	if tier != models.TierPlus {
		return false, nil
	}

	monthKey := MonthKey(time.Now())
	genAllowance := int64(settings.IntValue(settings.MonthlyGenAllowancePlusKey, settings.DefaultMonthlyGenAllowancePlus))
	geoAllowance := int64(settings.IntValue(settings.MonthlyGeoAllowancePlusKey, settings.DefaultMonthlyGeoAllowancePlus))

	applied := false
	errTx := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var profile models.TokenProfile
		if errFind := dbutil.ForUpdate(tx).Where("user_id = ?", userID).First(&profile).Error; errFind != nil {
			if errors.Is(errFind, gorm.ErrRecordNotFound) {
				return apperr.New(apperr.NotFound, "token profile not found")
			}
			return apperr.Wrap(apperr.Internal, "query token profile failed", errFind)
		}

		if profile.LastMonthlyRefill != nil && *profile.LastMonthlyRefill == monthKey {
			return nil
		}

		updates := map[string]any{
			"last_monthly_refill": monthKey,
			"updated_at":          time.Now().UTC(),
		}
		if profile.GenTokens < genAllowance {
			updates["gen_tokens"] = genAllowance
		}
		if profile.GeoTokens < geoAllowance {
			updates["geo_tokens"] = geoAllowance
		}
		if errUpdate := tx.Model(&models.TokenProfile{}).
			Where("id = ?", profile.ID).
			UpdateColumns(updates).Error; errUpdate != nil {
			return apperr.Wrap(apperr.Internal, "refill failed", errUpdate)
		}
		applied = true
		return nil
	})
	if errTx != nil {
		return false, errTx
	}
	if applied {
		log.Infof("ledger: monthly refill applied (user=%d month=%s)", userID, monthKey)
	}
	return applied, nil
}
