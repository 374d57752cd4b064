// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package godap

import (
	"github.com/sirupsen/logrus"
)

var (
	logger *logrus.Logger = nil
)

const MaxLogLevel = logrus.TraceLevel

func init() {
	logger = logrus.New()
}

// SetLogger replaces the logger used by the probe, the flash bridge and the
// socket loop.
func SetLogger(loggerInstance *logrus.Logger) {

	logger = loggerInstance
}

// Logger returns the logger currently in use.
func Logger() *logrus.Logger {
	return logger
}
