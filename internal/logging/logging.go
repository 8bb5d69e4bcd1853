// Package logging builds the process-wide *zap.Logger and the scoped
// child loggers each component stamps with its own correlation fields.
package logging

import "go.uber.org/zap"

// Build constructs a *zap.Logger for the given level string
// ("debug"|"info"|"warn"|"error"), defaulting to info. Debug uses the
// human-readable development encoder; everything else uses the JSON
// production encoder.
func Build(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

// ForAction returns a child logger stamped with the correlation fields the
// Master-Action Runtime attaches to every record a handler emits
// (spec.md §4.6): action id and operation type.
func ForAction(base *zap.Logger, actionID, operationType string) *zap.Logger {
	return base.With(
		zap.String("action_id", actionID),
		zap.String("operation_type", operationType),
	)
}

// ForStage returns a child of an action-scoped logger further stamped with
// the owning stage's ordinal index and name.
func ForStage(actionLogger *zap.Logger, stageIndex int, stageName string) *zap.Logger {
	return actionLogger.With(
		zap.Int("stage_index", stageIndex),
		zap.String("stage_name", stageName),
	)
}

// ForNodeAction further stamps a stage-scoped logger with a node-action id,
// used by the coordinator.
func ForNodeAction(stageLogger *zap.Logger, nodeActionID string) *zap.Logger {
	return stageLogger.With(zap.String("node_action_id", nodeActionID))
}
