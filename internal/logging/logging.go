// Package logging configures the process-wide logrus logger, the Go
// generalization of the teacher's flag-gated *log.Logger singleton in
// debug.go: instead of a single on/off debug switch, --log-level picks
// one of five logrus levels.
package logging

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

// Levels lists the accepted --log-level values, in the order spec.md
// enumerates them.
var Levels = []string{"error", "warn", "info", "debug", "trace"}

// New builds a logrus logger writing to stderr (so stdout stays clean
// for the Host's relayed child output) at the given level name.
func New(levelName string) (*logrus.Entry, error) {
	level, err := logrus.ParseLevel(levelName)
	if err != nil {
		return nil, fmt.Errorf("logging: invalid --log-level %q (want one of %v): %w", levelName, Levels, err)
	}

	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetLevel(level)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	return logrus.NewEntry(log), nil
}
