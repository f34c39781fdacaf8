// Package logging constructs the process-wide structured logger.
package logging

import "go.uber.org/zap"

// New builds a production zap logger, or a development logger with
// human-readable output when dev is true.
func New(dev bool) (*zap.SugaredLogger, error) {
	var logger *zap.Logger
	var err error
	if dev {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	return logger.Sugar(), nil
}

// Nop returns a logger that discards everything, for tests.
func Nop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
