package concurrency

import (
	"runtime"

	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"
)

// InitializeForKubernetes aligns GOMAXPROCS with the container CPU quota so
// that LoadConfig sees the real CPU budget. Call it at the start of main.
// The returned function restores the previous value.
func InitializeForKubernetes(logger *zap.Logger) func() {
	if logger == nil {
		logger = zap.NewNop()
	}
	sugar := logger.Sugar()

	undo, err := maxprocs.Set(maxprocs.Logger(sugar.Debugf))
	if err != nil {
		logger.Warn("Failed to set maxprocs", zap.Error(err))
		return func() {}
	}

	logger.Debug("Concurrency initialized", zap.Int("gomaxprocs", runtime.GOMAXPROCS(0)))
	return undo
}
