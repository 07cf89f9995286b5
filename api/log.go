package api

import "github.com/btcsuite/btclog"

var log = btclog.Disabled

// UseLogger sets the package logger.
func UseLogger(logger btclog.Logger) {
	log = logger
}
