package settings

// DB config keys and defaults.
const (
	// NotificationCooldownHoursKey controls the dedup window for user notifications.
	NotificationCooldownHoursKey = "NOTIFICATION_COOLDOWN_HOURS"
	// RefillSweepIntervalSecondsKey controls the monthly-refill sweep interval.
	RefillSweepIntervalSecondsKey = "REFILL_SWEEP_INTERVAL_SECONDS"
	// MonthlyGenAllowancePlusKey is the monthly gen-token allowance for the plus tier.
	MonthlyGenAllowancePlusKey = "MONTHLY_GEN_ALLOWANCE_PLUS"
	// MonthlyGeoAllowancePlusKey is the monthly geo-token allowance for the plus tier.
	MonthlyGeoAllowancePlusKey = "MONTHLY_GEO_ALLOWANCE_PLUS"
	// UsageRetentionDaysKey controls how long usage records are kept. Zero
	// disables the retention sweep.
	UsageRetentionDaysKey = "USAGE_RETENTION_DAYS"

	// DefaultNotificationCooldownHours is the fallback dedup window (7 days).
	DefaultNotificationCooldownHours = 168
	// DefaultRefillSweepIntervalSeconds is the fallback sweep interval.
	DefaultRefillSweepIntervalSeconds = 3600
	// DefaultMonthlyGenAllowancePlus is the fallback plus-tier gen allowance.
	DefaultMonthlyGenAllowancePlus = 500
	// DefaultMonthlyGeoAllowancePlus is the fallback plus-tier geo allowance.
	DefaultMonthlyGeoAllowancePlus = 250
	// DefaultUsageRetentionDays is the fallback usage-record retention.
	DefaultUsageRetentionDays = 90
)
