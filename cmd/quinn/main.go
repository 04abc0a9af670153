package main

import (
	"crypto/tls"
	"flag"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

type command interface {
	Name() string
	Desc() string
	Run([]string) error
}

func main() {
	logrus.SetLevel(logrus.TraceLevel)
	commands := []command{clientCommand{}, datagramCommand{}, lbCommand{}, qlogCommand{}, serverCommand{}}
	flag.Usage = func() {
		output := flag.CommandLine.Output()
		fmt.Fprintln(output, "Usage: quinn <command> [arguments]")
		fmt.Fprintln(output, "commands:")
		for _, c := range commands {
			fmt.Fprintf(output, "\t%-16s%s\n", c.Name(), c.Desc())
		}
		flag.PrintDefaults()
	}
	flag.Parse()
	cmd := flag.Arg(0)
	for _, c := range commands {
		if c.Name() == cmd {
			err := c.Run(flag.Args()[1:])
			if err != nil {
				logrus.Fatal(err)
			}
			return
		}
	}
	flag.Usage()
	os.Exit(2)
}

func newKeyLogWriter() io.Writer {
	logFile := os.Getenv("SSLKEYLOGFILE")
	if logFile == "" {
		return nil
	}
	f, err := os.OpenFile(logFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		return nil
	}
	return &keyLogWriter{w: f}
}

type keyLogWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (w *keyLogWriter) Write(b []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.w.Write(b)
}

func setCipherSuites(config *tls.Config, name string) error {
	if name == "" {
		return nil
	}
	for _, c := range tls.CipherSuites() {
		if c.Name == name {
			config.CipherSuites = []uint16{c.ID}
			return nil
		}
	}
	return fmt.Errorf("unsupported cipher suite: %s", name)
}

type buffers struct {
	list chan []byte
	size int
}

func newBuffers(size, length int) buffers {
	return buffers{
		list: make(chan []byte, length),
		size: size,
	}
}

func (s *buffers) pop() []byte {
	var b []byte
	select {
	case b = <-s.list:
		// Got one
	default:
		b = make([]byte, s.size)
	}
	return b
}

func (s *buffers) push(b []byte) {
	if cap(b) != s.size {
		panic("invalid buffer capacity")
	}
	b = b[:s.size]
	select {
	case s.list <- b:
	default:
		// Full
	}
}

var bufPool = newBuffers(2048, 10)
