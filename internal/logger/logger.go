// Package logger centralizes construction of component-scoped loggers so
// every package in the tree logs through the same formatter and level
// configuration instead of rolling its own.
package logger

import (
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	mu   sync.Mutex
	base = logrus.New()
)

func init() {
	base.SetOutput(os.Stderr)
	base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	base.SetLevel(logrus.InfoLevel)
}

// SetLevel adjusts the verbosity of every logger returned by GetLogger,
// including ones already handed out (they share the base logger).
func SetLevel(level logrus.Level) {
	mu.Lock()
	defer mu.Unlock()
	base.SetLevel(level)
}

// GetLogger returns a logger scoped to component, tagged so log lines can be
// filtered back to the package that emitted them.
func GetLogger(component string) *logrus.Entry {
	return base.WithField("component", component)
}
