package snpacket

import (
	"bytes"
	"errors"
	"testing"
)

func TestMarshalConnectWireFormat(t *testing.T) {
	raw := Marshal(Connect{CleanSession: true, Duration: 60, ClientID: "t"})
	want := []byte{
		0x07,       // length
		0x04,       // connect
		0x04,       // flags: clean session
		0x01,       // protocol id
		0x00, 0x3C, // duration 60
		't',
	}
	if !bytes.Equal(raw, want) {
		t.Fatalf("connect wire mismatch:\n got %x\nwant %x", raw, want)
	}
}

func TestMarshalPublishFlags(t *testing.T) {
	raw := Marshal(Publish{Dup: true, QoS: 1, Retain: true, TopicIDType: TopicIDPredefined, TopicID: 5, MsgID: 9, Data: []byte{0xAB}})
	if raw[1] != byte(TypePublish) {
		t.Fatalf("msg type byte: got %#02x", raw[1])
	}
	if raw[2] != 0x80|0x20|0x10|0x01 {
		t.Fatalf("flags byte: got %#02x", raw[2])
	}
}

func TestDecodeRejectsShortAndUnknown(t *testing.T) {
	dec := NewDecoder()

	if _, err := dec.Decode(nil); !errors.Is(err, ErrShortPacket) {
		t.Fatalf("empty packet: got %v", err)
	}
	if _, err := dec.Decode([]byte{0x05, 0x04}); !errors.Is(err, ErrLengthInvalid) {
		t.Fatalf("truncated packet: got %v", err)
	}
	if _, err := dec.Decode([]byte{0x02, 0x42}); !errors.Is(err, ErrUnknownType) {
		t.Fatalf("unknown type: got %v", err)
	}
}

func TestRoundTripSelectedPackets(t *testing.T) {
	dec := NewDecoder()
	packets := []Packet{
		Advertise{GatewayID: 1, Duration: 900},
		SearchGW{Radius: 1},
		GWInfo{GatewayID: 1},
		Connect{Will: true, CleanSession: true, Duration: 60, ClientID: "node-2"},
		Connack{ReturnCode: RejectedNotSupported},
		WillTopic{QoS: 1, Retain: true, Topic: "dead/2"},
		WillMsg{Message: []byte("gone")},
		Register{TopicID: 3, MsgID: 7, TopicName: "sensors/temp"},
		Regack{TopicID: 3, MsgID: 7, ReturnCode: Accepted},
		Publish{QoS: 2, TopicID: 3, MsgID: 8, Data: []byte{1, 2, 3}},
		Puback{TopicID: 3, MsgID: 8, ReturnCode: RejectedInvalidTopicID},
		Pubrec{MsgID: 8},
		Pubrel{MsgID: 8},
		Pubcomp{MsgID: 8},
		Subscribe{QoS: 1, MsgID: 4, TopicName: "test"},
		Subscribe{QoS: 0, TopicIDType: TopicIDPredefined, MsgID: 5, TopicID: 12},
		Suback{QoS: 1, TopicID: 2, MsgID: 4, ReturnCode: Accepted},
		Unsubscribe{MsgID: 6, TopicName: "test"},
		Unsuback{MsgID: 6},
		Pingreq{ClientID: "node-2"},
		Pingresp{},
		Disconnect{},
		Disconnect{HasDuration: true, Duration: 300},
		WillTopicUpd{QoS: 0, Topic: "dead/2"},
		WillTopicResp{ReturnCode: Accepted},
		WillMsgUpd{Message: []byte("bye")},
		WillMsgResp{ReturnCode: Accepted},
	}

	for _, p := range packets {
		raw := Marshal(p)
		got, err := dec.Decode(raw)
		if err != nil {
			t.Fatalf("decode %s: %v", p.Type(), err)
		}
		if got.Type() != p.Type() {
			t.Fatalf("type mismatch: sent %s got %s", p.Type(), got.Type())
		}
		if !bytes.Equal(Marshal(got), raw) {
			t.Fatalf("%s did not survive round trip:\n got %x\nwant %x", p.Type(), Marshal(got), raw)
		}
	}
}

func TestDecodeIgnoresLinkTrailer(t *testing.T) {
	raw := Marshal(Pingreq{ClientID: "a"})
	// The forwarder appends LQI/RSSI after the declared packet length.
	raw = append(raw, 0x30, 0x40)

	dec := NewDecoder()
	got, err := dec.Decode(raw)
	if err != nil {
		t.Fatalf("decode with trailer: %v", err)
	}
	ping, ok := got.(Pingreq)
	if !ok || ping.ClientID != "a" {
		t.Fatalf("unexpected packet: %#v", got)
	}
}

func TestLengthExtendedHeader(t *testing.T) {
	data := make([]byte, 300)
	raw := Marshal(Publish{QoS: 0, TopicID: 1, Data: data})
	if raw[0] != 0x01 {
		t.Fatalf("expected extended length header, got %#02x", raw[0])
	}
	total, err := Length(raw)
	if err != nil {
		t.Fatalf("length: %v", err)
	}
	if total != len(raw) {
		t.Fatalf("declared length %d != actual %d", total, len(raw))
	}

	dec := NewDecoder()
	got, err := dec.Decode(raw)
	if err != nil {
		t.Fatalf("decode extended packet: %v", err)
	}
	pub, ok := got.(Publish)
	if !ok || len(pub.Data) != len(data) {
		t.Fatalf("extended publish mismatch: %#v", got)
	}
}
