// Package zaplog adapts domain operation callbacks to structured zap logs.
package zaplog

import (
	"context"

	"github.com/MarkoPoloResearchLab/labgate/pkg/demand"
	"github.com/MarkoPoloResearchLab/labgate/pkg/unlock"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	statusError    = "error"
	statusDegraded = "degraded"

	messageUnlockOperation = "unlock operation"
	messageDemandOperation = "demand operation"
	messageTransition      = "demand status transition"
)

func levelFor(status string) zapcore.Level {
	switch status {
	case statusError:
		return zapcore.ErrorLevel
	case statusDegraded:
		return zapcore.WarnLevel
	default:
		return zapcore.InfoLevel
	}
}

// UnlockLogger implements unlock.OperationLogger.
type UnlockLogger struct {
	logger *zap.Logger
}

// NewUnlockLogger wraps logger; a nil logger discards everything.
func NewUnlockLogger(logger *zap.Logger) *UnlockLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UnlockLogger{logger: logger}
}

func (unlockLogger *UnlockLogger) LogOperation(_ context.Context, entry unlock.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
		zap.String("product_id", entry.ProductID.String()),
		zap.String("device_id", entry.DeviceID.String()),
		zap.String("outcome", entry.Outcome.String()),
		zap.Int64("credits_used", entry.CreditsUsed),
	}
	if !entry.AccountID.IsZero() {
		fields = append(fields, zap.String("account_id", entry.AccountID.String()))
	}
	if subject := entry.Subject.String(); subject != "" {
		fields = append(fields, zap.String("subject", subject))
	}
	if entry.GrantType != "" {
		fields = append(fields, zap.String("grant_type", entry.GrantType.String()))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
	}
	unlockLogger.logger.Log(levelFor(entry.Status), messageUnlockOperation, fields...)
}

// DemandLogger implements demand.OperationLogger and demand.TransitionNotifier.
type DemandLogger struct {
	logger *zap.Logger
}

// NewDemandLogger wraps logger; a nil logger discards everything.
func NewDemandLogger(logger *zap.Logger) *DemandLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DemandLogger{logger: logger}
}

func (demandLogger *DemandLogger) LogOperation(_ context.Context, entry demand.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
		zap.String("product_key", entry.ProductKey.String()),
		zap.Float64("weighted_score", entry.WeightedScore),
	}
	if entry.SignalKind != "" {
		fields = append(fields, zap.String("signal_type", entry.SignalKind.String()), zap.Float64("weight", entry.Weight))
	}
	if entry.RecordStatus != "" {
		fields = append(fields, zap.String("record_status", entry.RecordStatus.String()))
	}
	if entry.Urgency != "" {
		fields = append(fields, zap.String("urgency", entry.Urgency.String()))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
	}
	demandLogger.logger.Log(levelFor(entry.Status), messageDemandOperation, fields...)
}

// NotifyTransition records the transition; downstream dispatchers tail these entries.
func (demandLogger *DemandLogger) NotifyTransition(_ context.Context, transition demand.StatusTransition) error {
	demandLogger.logger.Info(messageTransition,
		zap.String("product_key", transition.ProductKey.String()),
		zap.String("from", transition.From.String()),
		zap.String("to", transition.To.String()),
		zap.Int64("changed_at_unix_utc", transition.ChangedAtUnixUTC),
	)
	return nil
}
