package quinn

import (
	"fmt"
	"log"

	"github.com/lineCode/quinn/transport"
)

// Log levels
const (
	LevelOff = iota
	LevelError
	LevelInfo
	LevelDebug
	LevelTrace
)

// Logger logs connection transactions.
type Logger interface {
	Log(level int, format string, values ...interface{})
}

// LeveledLogger creates a logger printing up to the specified level
// using the standard log package.
func LeveledLogger(level int) Logger {
	return leveledLogger(level)
}

type leveledLogger int

func (l leveledLogger) Log(level int, format string, values ...interface{}) {
	if level <= int(l) {
		msg := fmt.Sprintf(format, values...)
		log.Output(2, msg)
	}
}

// attachLogger forwards transport events at trace level, in the
// key=value format the qlog package decodes.
func attachLogger(l Logger, scid []byte, c *transport.Conn) {
	c.SetLogger(func(e transport.LogEvent) {
		l.Log(LevelTrace, "%s cid=%x %s", e.Name, scid, e.Data)
	})
}
