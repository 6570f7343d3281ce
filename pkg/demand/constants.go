package demand

const (
	operationRecordSignal     = "record_signal"
	operationDeriveFields     = "derive_fields"
	operationAdvanceStatus    = "advance_status"
	operationCorrectScore     = "correct_score"
	operationSetThreshold     = "set_funding_threshold"
	operationArchive          = "archive"
	operationRefreshDerived   = "refresh_derived"
	operationNotifyTransition = "notify_transition"

	operationStatusOK       = "ok"
	operationStatusError    = "error"
	operationStatusDegraded = "degraded"
)

const (
	secondsPerDay        int64 = 24 * 60 * 60
	shortWindowSeconds         = secondsPerDay
	longWindowSeconds          = 7 * secondsPerDay
	scanRetentionSeconds       = longWindowSeconds
)

const (
	velocityShortWindowFactor = 5

	urgentShortWindowScans   = 100
	urgentLongWindowScans    = 500
	trendingShortWindowScans = 20
	trendingLongWindowScans  = 100

	maxFundingProgressPercent = 100
)

const (
	defaultFundingThreshold = 1000
	defaultRankPageSize     = 50
	defaultSearchWeight     = 1
	defaultPossessionWeight = 5
	defaultVerifiedWeight   = 20
	defaultPhotoBonusWeight = 10
)
