package main

import (
	"io"
	"log"
	"os"

	"github.com/google/uuid"
)

// Logger is the minimal logging surface every component takes. Implementations
// wrap it with prefixes for per-account and per-flow correlation.
type Logger interface {
	Log(format string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Log(string, ...any) {}

// stdLogger adapts a *log.Logger to the Logger interface.
type stdLogger struct {
	logger *log.Logger
}

func (s *stdLogger) Log(format string, args ...any) {
	s.logger.Printf(format, args...)
}

// accountLogger prefixes every line with the account label and a short flow
// id so interleaved flows stay readable.
type accountLogger struct {
	account string
	flowID  string
	base    Logger
}

func newAccountLogger(account string, base Logger) *accountLogger {
	return &accountLogger{
		account: account,
		flowID:  uuid.New().String()[:8],
		base:    base,
	}
}

func (a *accountLogger) Log(format string, args ...any) {
	a.base.Log("[%s/%s] "+format, append([]any{a.account, a.flowID}, args...)...)
}

// setupLogging opens the engine and flow log files, multi-writing both to
// stdout. Callers must close the returned files.
func setupLogging() (engineLogFile, flowLogFile *os.File, engineLog *log.Logger, flowLog Logger) {
	var err error

	engineLogFile, err = os.OpenFile("engine.log", os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		log.Fatalf("Failed to open engine log file: %v", err)
	}
	engineLog = log.New(io.MultiWriter(os.Stdout, engineLogFile), "", log.LstdFlags)

	flowLogFile, err = os.OpenFile("relogin.log", os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		engineLog.Fatalf("Failed to open flow log file: %v", err)
	}
	flowLog = &stdLogger{logger: log.New(io.MultiWriter(os.Stdout, flowLogFile), "", log.LstdFlags)}

	return engineLogFile, flowLogFile, engineLog, flowLog
}
