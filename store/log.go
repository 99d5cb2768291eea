// Copyright (c) 2025 The TODOKANAI developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package store

import (
	"github.com/btcsuite/btclog"
)

// log is the logger for the store package. It is disabled by default;
// the application wires a real logger in with UseLogger, typically one
// subsystem logger per package off a shared backend.
var log = btclog.Disabled

// DisableLog disables all store log output.
func DisableLog() {
	log = btclog.Disabled
}

// UseLogger routes the package's log output through the given logger.
func UseLogger(logger btclog.Logger) {
	log = logger
}

// logClosure defers building an expensive log argument until the
// logging level is known to include the message. Recovery summaries
// use it so that a disabled logger costs nothing per reload.
type logClosure func() string

func (c logClosure) String() string {
	return c()
}

func newLogClosure(c func() string) logClosure {
	return logClosure(c)
}
