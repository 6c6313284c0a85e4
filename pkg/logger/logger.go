package logger

import (
	"errors"
	"fmt"
	"os"
	"syscall"

	"go.uber.org/zap"
)

// Init builds the process logger and installs it as zap's global. debug
// switches to the development encoder. The returned func flushes buffers.
func Init(debug bool) (*zap.Logger, func(), error) {
	var (
		l   *zap.Logger
		err error
	)
	if debug {
		l, err = zap.NewDevelopment()
	} else {
		l, err = zap.NewProduction()
	}
	if err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}

	zap.ReplaceGlobals(l)

	cleanup := func() {
		if err := l.Sync(); err != nil && !isIgnorableSyncError(err) {
			fmt.Fprintf(os.Stderr, "sync logger: %v\n", err)
		}
	}
	return l, cleanup, nil
}

// Syncing stdout/stderr fails on terminals and pipes; that is harmless.
func isIgnorableSyncError(err error) bool {
	return errors.Is(err, syscall.ENOTTY) || errors.Is(err, syscall.EINVAL) || errors.Is(err, syscall.EBADF)
}
