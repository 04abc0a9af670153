package main

import (
	"bufio"
	"crypto/tls"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/lineCode/quinn"
	"github.com/lineCode/quinn/transport"
)

type datagramCommand struct{}

func (datagramCommand) Name() string {
	return "datagram"
}

func (datagramCommand) Desc() string {
	return "send or receive datagram over QUIC."
}

func (datagramCommand) Run(args []string) error {
	cmd := flag.NewFlagSet("datagram", flag.ExitOnError)
	listenAddr := cmd.String("listen", "0.0.0.0:0", "listen on the given IP:port")
	configFile := cmd.String("config", "", "TOML configuration path")
	insecure := cmd.Bool("insecure", false, "skip verifying server certificate (client only)")
	certFile := cmd.String("cert", "cert.pem", "TLS certificate path (server only)")
	keyFile := cmd.String("key", "key.pem", "TLS certificate key path (server only)")
	logLevel := cmd.Int("v", 2, "log verbose: 0=off 1=error 2=info 3=debug 4=trace")
	data := cmd.String("data", "", "Datagram for sending (or from stdin if empty)")
	cmd.Usage = func() {
		fmt.Fprintln(cmd.Output(), "Usage: quinn datagram [arguments] [url]")
		cmd.PrintDefaults()
	}
	cmd.Parse(args)

	addr := cmd.Arg(0)
	config, err := newConfig(*configFile)
	if err != nil {
		return err
	}
	if config.Params.MaxDatagramFrameSize == 0 {
		config.Params.MaxDatagramFrameSize = 1024
	}
	// Disable streams
	config.Params.InitialMaxStreamDataBidiLocal = 0
	config.Params.InitialMaxStreamDataBidiRemote = 0
	config.Params.InitialMaxStreamDataUni = 0
	config.Params.InitialMaxStreamsBidi = 0
	config.Params.InitialMaxStreamsUni = 0

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGQUIT)

	if addr == "" {
		// Server mode
		if *certFile != "" {
			cert, err := tls.LoadX509KeyPair(*certFile, *keyFile)
			if err != nil {
				return err
			}
			config.TLS.Certificates = []tls.Certificate{cert}
		}
		server := quinn.NewServer(config)
		server.SetLogger(logrusLogger(*logLevel))
		server.SetHandler(&datagramServerHandler{})
		go func() {
			<-sigCh
			server.Close()
		}()
		return server.ListenAndServe(*listenAddr)
	}
	// Client mode
	addrURL, err := parseURL(addr)
	if err != nil {
		return err
	}
	config.TLS.ServerName = addrURL.Hostname()
	config.TLS.InsecureSkipVerify = *insecure
	client := quinn.NewClient(config)
	client.SetLogger(logrusLogger(*logLevel))
	clientHandler := &datagramClientHandler{
		data:  *data,
		close: make(chan struct{}),
	}
	client.SetHandler(clientHandler)
	if err := client.ListenAndServe(*listenAddr); err != nil {
		return err
	}
	if err := client.Connect(canonicalAddr(addrURL)); err != nil {
		return err
	}
	select {
	case <-sigCh:
	case <-clientHandler.close:
	}
	return client.Close()
}

type datagramClientHandler struct {
	data  string
	close chan struct{}
}

func (s *datagramClientHandler) Serve(c *quinn.Conn, events []transport.Event) {
	for _, e := range events {
		switch e.Type {
		case transport.EventDatagramWritable:
			err := s.handleDatagramWritable(c)
			if err != nil {
				c.CloseWithError(transport.ApplicationError, err.Error())
				return
			}
		case transport.EventDatagramReadable:
			err := s.handleDatagramReadable(c)
			if err != nil {
				c.CloseWithError(transport.ApplicationError, err.Error())
				return
			}
		case transport.EventConnClosed:
			close(s.close)
			return
		}
	}
}

func (s *datagramClientHandler) handleDatagramWritable(c *quinn.Conn) error {
	if len(s.data) > 0 {
		err := c.DatagramWrite([]byte(s.data))
		if err != nil {
			return err
		}
	}
	// Read from stdin and send each line in a datagram.
	go func(dgram *quinn.Datagram) {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			b := scanner.Bytes()
			if len(b) > 0 {
				_, err := dgram.Write(b)
				if err != nil {
					return
				}
			}
		}
	}(c.Datagram())
	return nil
}

func (s *datagramClientHandler) handleDatagramReadable(c *quinn.Conn) error {
	for {
		b := c.DatagramRead()
		if b == nil {
			return nil
		}
		_, err := fmt.Fprintf(os.Stdout, "recv: %s\n", b)
		if err != nil {
			return err
		}
	}
}

type datagramServerHandler struct{}

func (s *datagramServerHandler) Serve(c *quinn.Conn, events []transport.Event) {
	for _, e := range events {
		switch e.Type {
		case transport.EventDatagramReadable:
			err := s.handleDatagramReadable(c)
			if err != nil {
				c.CloseWithError(transport.ApplicationError, err.Error())
				return
			}
		}
	}
}

func (s *datagramServerHandler) handleDatagramReadable(c *quinn.Conn) error {
	// Echo back
	for {
		b := c.DatagramRead()
		if b == nil {
			return nil
		}
		err := c.DatagramWrite(b)
		if err != nil {
			return err
		}
	}
}
