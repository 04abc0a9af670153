package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/lineCode/quinn"
)

type lbCommand struct{}

func (lbCommand) Name() string {
	return "lb"
}

func (lbCommand) Desc() string {
	return "forward QUIC packets to backend servers by connection ID."
}

func (lbCommand) Run(args []string) error {
	cmd := flag.NewFlagSet("lb", flag.ExitOnError)
	listenAddr := cmd.String("listen", ":4433", "listen on the given IP:port")
	logLevel := cmd.Int("v", 2, "log verbose: 0=off 1=error 2=info 3=debug 4=trace")
	cmd.Usage = func() {
		fmt.Fprintln(cmd.Output(), "Usage: quinn lb [arguments] <id=address>...")
		fmt.Fprintln(cmd.Output(), "Servers must issue connection IDs with the same id, e.g. quinn server -sid 1")
		cmd.PrintDefaults()
	}
	cmd.Parse(args)

	if cmd.NArg() == 0 {
		cmd.Usage()
		return nil
	}
	lb := quinn.NewLoadBalancer()
	lb.SetLogger(logrusLogger(*logLevel))
	for _, arg := range cmd.Args() {
		sep := strings.Index(arg, "=")
		if sep <= 0 {
			return fmt.Errorf("malformed server %q, want id=address", arg)
		}
		id, err := strconv.ParseUint(arg[:sep], 10, 62)
		if err != nil {
			return fmt.Errorf("malformed server id %q: %v", arg[:sep], err)
		}
		err = lb.AddServer(id, arg[sep+1:])
		if err != nil {
			return err
		}
	}
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGQUIT)
	go func() {
		<-sigCh
		lb.Close()
	}()
	return lb.ListenAndServe(*listenAddr)
}
