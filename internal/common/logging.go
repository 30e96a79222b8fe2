package common

import (
	"io"
	"log"
	"os"
)

var (
	logger = log.New(os.Stderr, "[sftgate] ", log.LstdFlags|log.Lmicroseconds)
)

func Logf(format string, args ...interface{}) {
	logger.Printf(format, args...)
}

func Fatalf(format string, args ...interface{}) {
	logger.Fatalf(format, args...)
}

// SetLogOutput redirects the shared logger, used by the daemon to add
// rotation and multi-writer sinks.
func SetLogOutput(w io.Writer) {
	logger.SetOutput(w)
}
