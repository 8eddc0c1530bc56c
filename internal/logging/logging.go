// Package logging configures the broker's structured logger from the
// --verbosity flag, the way nabbar-golib's logger wraps logrus with a
// level mapped from configuration.
package logging

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// New builds a logrus.Logger at the given verbosity ("trace", "debug",
// "info", "warn", "error"), logging structured fields rather than
// interpolated strings.
func New(verbosity string) (*logrus.Logger, error) {
	lvl, err := logrus.ParseLevel(verbosity)
	if err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}

	log := logrus.New()
	log.SetLevel(lvl)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	return log, nil
}

// Component returns an entry with a component field pre-attached, the
// convention every broker subsystem uses to tag its log lines.
func Component(log *logrus.Logger, name string) *logrus.Entry {
	return log.WithField("component", name)
}
