package main

import (
	"crypto/tls"
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/lineCode/quinn/transport"
)

// fileConfig is the optional TOML configuration shared by the client,
// server and datagram commands. Zero values keep the defaults.
type fileConfig struct {
	MaxIdleTimeout       duration `toml:"max_idle_timeout"`
	MaxData              uint64   `toml:"max_data"`
	MaxStreamData        uint64   `toml:"max_stream_data"`
	MaxStreamsBidi       uint64   `toml:"max_streams_bidi"`
	MaxStreamsUni        uint64   `toml:"max_streams_uni"`
	MaxDatagramFrameSize uint64   `toml:"max_datagram_frame_size"`
	AckDelayExponent     uint64   `toml:"ack_delay_exponent"`
	MaxAckDelay          duration `toml:"max_ack_delay"`
	ALPN                 []string `toml:"alpn"`
}

type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// newConfig returns the commands' transport configuration, overridden
// by the TOML file when path is not empty.
func newConfig(path string) (*transport.Config, error) {
	c := transport.NewConfig()
	c.Params.MaxUDPPayloadSize = transport.MaxIPv6PacketSize
	c.Params.MaxIdleTimeout = 30 * time.Second
	c.Params.InitialMaxData = 1000000
	c.Params.InitialMaxStreamDataBidiLocal = 100000
	c.Params.InitialMaxStreamDataBidiRemote = 100000
	c.Params.InitialMaxStreamDataUni = 100000
	c.Params.InitialMaxStreamsBidi = 8
	c.Params.InitialMaxStreamsUni = 8
	c.TLS = &tls.Config{
		NextProtos: []string{
			fmt.Sprintf("hq-%d", c.Version&0xff),
			"http/0.9",
		},
		ClientSessionCache: tls.NewLRUClientSessionCache(10),
		KeyLogWriter:       newKeyLogWriter(),
	}
	if path == "" {
		return c, nil
	}
	fc := fileConfig{}
	meta, err := toml.DecodeFile(path, &fc)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown configuration keys: %v", undecoded)
	}
	if fc.MaxIdleTimeout.Duration > 0 {
		c.Params.MaxIdleTimeout = fc.MaxIdleTimeout.Duration
	}
	if fc.MaxData > 0 {
		c.Params.InitialMaxData = fc.MaxData
	}
	if fc.MaxStreamData > 0 {
		c.Params.InitialMaxStreamDataBidiLocal = fc.MaxStreamData
		c.Params.InitialMaxStreamDataBidiRemote = fc.MaxStreamData
		c.Params.InitialMaxStreamDataUni = fc.MaxStreamData
	}
	if fc.MaxStreamsBidi > 0 {
		c.Params.InitialMaxStreamsBidi = fc.MaxStreamsBidi
	}
	if fc.MaxStreamsUni > 0 {
		c.Params.InitialMaxStreamsUni = fc.MaxStreamsUni
	}
	if fc.MaxDatagramFrameSize > 0 {
		c.Params.MaxDatagramFrameSize = fc.MaxDatagramFrameSize
	}
	if fc.AckDelayExponent > 0 {
		c.Params.AckDelayExponent = fc.AckDelayExponent
	}
	if fc.MaxAckDelay.Duration > 0 {
		c.Params.MaxAckDelay = fc.MaxAckDelay.Duration
	}
	if len(fc.ALPN) > 0 {
		c.TLS.NextProtos = fc.ALPN
	}
	return c, nil
}
