package node

import "github.com/btcsuite/btclog"

// log is disabled until the caller hands us a real logger.
var log = btclog.Disabled

// UseLogger sets the package logger.
func UseLogger(logger btclog.Logger) {
	log = logger
}
