package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/btcsuite/btclog"
	"github.com/jrick/logrotate/rotator"

	"github.com/m-kus/rpc-utreexo-bridge/api"
	"github.com/m-kus/rpc-utreexo-bridge/node"
	"github.com/m-kus/rpc-utreexo-bridge/prover"
)

// logWriter duplicates log output to stdout and the rotating log file.
type logWriter struct{}

func (logWriter) Write(p []byte) (n int, err error) {
	os.Stdout.Write(p)
	if logRotator != nil {
		logRotator.Write(p)
	}
	return len(p), nil
}

var (
	backendLog = btclog.NewBackend(logWriter{})
	logRotator *rotator.Rotator

	brdgLog = backendLog.Logger("BRDG")
	provLog = backendLog.Logger("PROV")
	nodeLog = backendLog.Logger("NODE")
	apiLog  = backendLog.Logger("API")
)

var subsystemLoggers = map[string]btclog.Logger{
	"BRDG": brdgLog,
	"PROV": provLog,
	"NODE": nodeLog,
	"API":  apiLog,
}

func init() {
	prover.UseLogger(provLog)
	node.UseLogger(nodeLog)
	api.UseLogger(apiLog)
}

// initLogRotator sets up the on-disk log file.  Must run before any log
// output that should be captured.
func initLogRotator(logFile string) error {
	if err := os.MkdirAll(filepath.Dir(logFile), 0700); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	r, err := rotator.New(logFile, defaultLogSizeKiB, false, defaultMaxLogRolls)
	if err != nil {
		return fmt.Errorf("failed to create file rotator: %w", err)
	}
	logRotator = r
	return nil
}

// setLogLevel applies one level string to every subsystem.
func setLogLevel(levelStr string) error {
	level, ok := btclog.LevelFromString(levelStr)
	if !ok {
		return fmt.Errorf("invalid debug level %q", levelStr)
	}
	for _, logger := range subsystemLoggers {
		logger.SetLevel(level)
	}
	return nil
}
