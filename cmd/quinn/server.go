package main

import (
	"crypto/tls"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/lineCode/quinn"
	"github.com/lineCode/quinn/transport"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/acme"
	"golang.org/x/crypto/acme/autocert"
)

type serverCommand struct{}

func (serverCommand) Name() string {
	return "server"
}

func (serverCommand) Desc() string {
	return "start a QUIC server."
}

func (serverCommand) Run(args []string) error {
	cmd := flag.NewFlagSet("server", flag.ExitOnError)
	listenAddr := cmd.String("listen", ":4433", "listen on the given IP:port")
	configFile := cmd.String("config", "", "TOML configuration path")
	certFile := cmd.String("cert", "", "TLS certificate path")
	keyFile := cmd.String("key", "", "TLS certificate key path")
	domains := cmd.String("domains", "", "allowed host names for ACME (separated by a comma)")
	cacheDir := cmd.String("cache", ".", "certificate cache directory when using ACME")
	root := cmd.String("root", "www", "root directory")
	qlogFile := cmd.String("qlog", "", "write logs to qlog file")
	logLevel := cmd.Int("v", 2, "log verbose: 0=off 1=error 2=info 3=debug 4=trace")
	enableRetry := cmd.Bool("retry", false, "enable address validation using Retry packet")
	serverID := cmd.Uint64("sid", 0, "server ID encoded in connection IDs for load balancing")
	resetKey := cmd.String("reset-key", "", "hex key for stateless reset tokens")
	cmd.Usage = func() {
		fmt.Fprintln(cmd.Output(), "Usage: quinn server [arguments]")
		cmd.PrintDefaults()
	}
	cmd.Parse(args)

	config, err := newConfig(*configFile)
	if err != nil {
		return err
	}
	if *certFile != "" {
		cert, err := tls.LoadX509KeyPair(*certFile, *keyFile)
		if err != nil {
			return err
		}
		config.TLS.Certificates = []tls.Certificate{cert}
	}
	if *domains != "" {
		acme := acmeHandler{
			domains:  *domains,
			cacheDir: *cacheDir,
		}
		err := acme.listen(config.TLS)
		if err != nil {
			return err
		}
		defer acme.Close()
		go acme.serve()
	}
	if len(config.TLS.Certificates) == 0 && config.TLS.GetCertificate == nil && config.TLS.GetConfigForClient == nil {
		return fmt.Errorf("TLS certificate must be set")
	}
	server := quinn.NewServer(config)
	server.SetHandler(&serverHandler{
		root: *root,
	})
	if *enableRetry {
		server.SetAddressValidation(true)
	}
	if *serverID > 0 {
		server.SetCIDIssuer(quinn.NewServerCIDIssuer(*serverID))
	}
	if *resetKey != "" {
		key, err := hex.DecodeString(*resetKey)
		if err != nil {
			return fmt.Errorf("reset key: %v", err)
		}
		server.SetResetKey(key)
	}
	cleanup, err := setLogger(server, *logLevel, *qlogFile)
	if err != nil {
		return err
	}
	defer cleanup()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGQUIT)
	go func() {
		<-sigCh
		server.Close()
	}()
	return server.ListenAndServe(*listenAddr)
}

type serverHandler struct {
	root string
}

func (s *serverHandler) Serve(c *quinn.Conn, events []transport.Event) {
	for _, e := range events {
		switch e.Type {
		case transport.EventStreamReadable:
			err := s.handleStreamReadable(c, e.ID)
			if err != nil {
				c.CloseWithError(transport.ApplicationError, err.Error())
				return
			}
		case transport.EventStreamWritable:
			err := s.handleStreamWritable(c, e.ID)
			if err != nil {
				c.CloseWithError(transport.ApplicationError, err.Error())
				return
			}
		case transport.EventConnClosed:
			for _, f := range s.getResponses(c) {
				f.Close()
			}
		}
	}
}

func (s *serverHandler) handleStreamReadable(c *quinn.Conn, streamID uint64) error {
	if s.getResponses(c)[streamID] != nil {
		// Request already parsed, the peer has nothing more to say.
		return nil
	}
	// TODO: Here we assume the whole request is in a single read.
	buf := bufPool.pop()
	defer bufPool.push(buf)
	n, err := c.StreamRead(streamID, buf)
	if err != nil {
		if err == transport.ErrBlocked || err == io.EOF {
			return nil
		}
		return err
	}
	// Parse request
	req := string(buf[:n])
	if !strings.HasPrefix(req, "GET /") {
		return s.notFound(c, streamID)
	}
	reqURL, err := url.ParseRequestURI(strings.TrimSpace(req[4:]))
	if err != nil {
		return s.notFound(c, streamID)
	}
	c.StreamCloseRead(streamID, 0)
	// Send file
	name := filepath.Join(s.root, path.Clean(reqURL.Path))
	f, err := os.Open(name)
	if err != nil {
		return s.notFound(c, streamID)
	}
	if info, err := f.Stat(); err != nil || info.Mode().IsDir() {
		f.Close()
		return s.notFound(c, streamID)
	}
	s.getResponses(c)[streamID] = f
	return s.sendFile(c, streamID, f)
}

func (s *serverHandler) handleStreamWritable(c *quinn.Conn, streamID uint64) error {
	f := s.getResponses(c)[streamID]
	if f == nil {
		return nil
	}
	return s.sendFile(c, streamID, f)
}

// sendFile copies a few chunks of the file into the stream send buffer
// and continues on the next writable event when flow control blocks.
func (s *serverHandler) sendFile(c *quinn.Conn, streamID uint64, f *os.File) error {
	responses := s.getResponses(c)
	buf := bufPool.pop()
	defer bufPool.push(buf)
	for i := 0; i < 4; i++ {
		n, err := f.Read(buf)
		if n > 0 {
			m, _ := c.StreamWrite(streamID, buf[:n])
			if m < n {
				// Will send it again
				_, err = f.Seek(int64(m-n), io.SeekCurrent)
				if err != nil {
					f.Close()
					delete(responses, streamID)
					c.StreamCloseWrite(streamID, 1)
					return err
				}
				return nil
			}
		}
		if err != nil {
			f.Close()
			delete(responses, streamID)
			if err == io.EOF {
				return c.StreamClose(streamID) // Done sending
			}
			c.StreamCloseWrite(streamID, 1) // Internal error
			return err
		}
	}
	return nil
}

func (s *serverHandler) notFound(c *quinn.Conn, streamID uint64) error {
	c.StreamWrite(streamID, []byte("not found"))
	return c.StreamClose(streamID)
}

func (s *serverHandler) getResponses(c *quinn.Conn) map[uint64]*os.File {
	if c.UserData() == nil {
		responses := make(map[uint64]*os.File)
		c.SetUserData(responses)
		return responses
	}
	return c.UserData().(map[uint64]*os.File)
}

// acmeHandler listens on the standard TLS port (443) and handles
// "tls-alpn-01" challenge from Let's Encrypt.
type acmeHandler struct {
	domains  string
	cacheDir string
	ln       net.Listener
}

func (s *acmeHandler) listen(config *tls.Config) error {
	certManager := autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(strings.Split(s.domains, ",")...),
		Cache:      autocert.DirCache(s.cacheDir),
	}
	config.GetCertificate = certManager.GetCertificate
	config.NextProtos = append(config.NextProtos, acme.ALPNProto)
	listener, err := tls.Listen("tcp", ":443", config)
	if err != nil {
		return fmt.Errorf("acme listen: %v", err)
	}
	s.ln = listener
	return nil
}

func (s *acmeHandler) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			logrus.Errorf("acme accept: %v", err)
			return
		}
		conn.SetDeadline(time.Now().Add(10 * time.Second))
		err = conn.(*tls.Conn).Handshake()
		if err != nil {
			logrus.Errorf("acme handshake: %v", err)
		}
		conn.Close()
	}
}

func (s *acmeHandler) Close() error {
	return s.ln.Close()
}
