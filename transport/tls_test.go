package transport

import (
	"bytes"
	"reflect"
	"testing"
	"time"

	"github.com/lineCode/quinn/testdata"
)

func TestTransportParams(t *testing.T) {
	tp := Parameters{
		OriginalDestinationCID: []byte{0x01, 0x02, 0x03, 0x04, 0x05},
		InitialSourceCID:       []byte{0x04, 0x05, 0x06, 0x07, 0x08},
		RetrySourceCID:         []byte{0x06, 0x07},
		StatelessResetToken: []byte{
			0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08,
			0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10,
		},
		MaxIdleTimeout:    30 * time.Millisecond,
		MaxUDPPayloadSize: 1200,

		InitialMaxData:                 1440000,
		InitialMaxStreamDataBidiLocal:  90000,
		InitialMaxStreamDataBidiRemote: 90000,
		InitialMaxStreamDataUni:        262144,
		InitialMaxStreamsBidi:          8,
		InitialMaxStreamsUni:           8,

		ActiveCIDLimit:         4,
		DisableActiveMigration: true,
		MaxDatagramFrameSize:   65535,
	}
	b := testdata.DecodeHex(`
0005010203040501011e02100102030405060708090a0b0c0d0e0f10030244b0
04048015f900050480015f90060480015f900704800400000801080901080c00
0e01040f0504050607081002060720048000ffff`)
	encoded := tp.marshal()
	if !bytes.Equal(b, encoded) {
		t.Fatalf("marshal transport parameters\nexpect=%x\nactual=%x", b, encoded)
	}
	tp2 := Parameters{}
	if !tp2.unmarshal(b) {
		t.Fatal("could not unmarshal")
	}
	if !reflect.DeepEqual(&tp, &tp2) {
		t.Fatalf("unmarshal transport parameters:\nexpect=%#v\nactual=%#v", &tp, &tp2)
	}
}

func TestTransportParamsValidate(t *testing.T) {
	tp := Parameters{
		InitialSourceCID: []byte{1},
	}
	if err := tp.validate(true); err != nil {
		t.Fatalf("expect valid client parameters, actual %v", err)
	}
	if err := tp.validate(false); err == nil {
		t.Fatal("expect error for missing original_destination_connection_id")
	}
	tp.OriginalDestinationCID = []byte{2}
	if err := tp.validate(false); err != nil {
		t.Fatalf("expect valid server parameters, actual %v", err)
	}
	tp.OriginalDestinationCID = nil

	tp.AckDelayExponent = 21
	if err := tp.validate(true); err == nil {
		t.Fatal("expect error for ack_delay_exponent")
	}
	tp.AckDelayExponent = 0

	tp.MaxAckDelay = 20 * time.Second
	if err := tp.validate(true); err == nil {
		t.Fatal("expect error for max_ack_delay")
	}
	tp.MaxAckDelay = 0

	tp.ActiveCIDLimit = 1
	if err := tp.validate(true); err == nil {
		t.Fatal("expect error for active_connection_id_limit")
	}
	tp.ActiveCIDLimit = 0

	tp.OriginalDestinationCID = []byte{2}
	tp.StatelessResetToken = []byte{1, 2, 3}
	if err := tp.validate(false); err == nil {
		t.Fatal("expect error for stateless_reset_token")
	}
}

func TestTransportParamsSkipUnknown(t *testing.T) {
	// id 0x3a (greased), length 1, value 0, followed by initial_source_connection_id.
	b := testdata.DecodeHex(`403a01000f0101`)
	tp := Parameters{}
	if !tp.unmarshal(b) {
		t.Fatal("could not unmarshal")
	}
	if !bytes.Equal(tp.InitialSourceCID, []byte{0x01}) {
		t.Fatalf("expect initial source cid, actual %#v", &tp)
	}
}
