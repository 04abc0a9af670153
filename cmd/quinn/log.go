package main

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/lineCode/quinn"
	"github.com/sirupsen/logrus"
)

// logrusLogger sends connection logs to the logrus standard logger.
type logrusLogger int

func (s logrusLogger) Log(level int, format string, values ...interface{}) {
	if level > int(s) {
		return
	}
	switch level {
	case quinn.LevelError:
		logrus.Errorf(format, values...)
	case quinn.LevelInfo:
		logrus.Infof(format, values...)
	case quinn.LevelDebug:
		logrus.Debugf(format, values...)
	default:
		logrus.Tracef(format, values...)
	}
}

// fileLogger writes logs with the microsecond timestamp prefix the
// qlog package decodes.
type fileLogger struct {
	level int
	l     *log.Logger
}

func newFileLogger(level int, w io.Writer) *fileLogger {
	return &fileLogger{
		level: level,
		l:     log.New(w, "", log.LstdFlags|log.Lmicroseconds|log.LUTC),
	}
}

func (s *fileLogger) Log(level int, format string, values ...interface{}) {
	if level <= s.level {
		s.l.Output(2, fmt.Sprintf(format, values...))
	}
}

type loggable interface {
	SetLogger(quinn.Logger)
}

// setLogger directs connection logs to logrus, or to qlogFile.txt when
// qlogFile is set. The returned function transforms the captured logs
// into qlogFile and must be called before exit.
func setLogger(s loggable, level int, qlogFile string) (func(), error) {
	if qlogFile == "" {
		s.SetLogger(logrusLogger(level))
		return func() {}, nil
	}
	logFd, err := os.Create(qlogFile + ".txt")
	if err != nil {
		return nil, err
	}
	// Transport events are only logged at trace level.
	if level < quinn.LevelTrace {
		level = quinn.LevelTrace
	}
	s.SetLogger(newFileLogger(level, logFd))
	return func() {
		logFd.Seek(0, io.SeekStart)
		err := qlogTransformToFile(qlogFile, logFd)
		if err != nil {
			logrus.Errorf("qlog transform: %v", err)
		}
		logFd.Close()
	}, nil
}
