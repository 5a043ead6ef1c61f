package snpacket

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrShortPacket   = errors.New("mqtt-sn packet too short")
	ErrUnknownType   = errors.New("unknown mqtt-sn message type")
	ErrLengthInvalid = errors.New("mqtt-sn length field invalid")
)

// Length returns the total on-wire length declared by the packet header.
// Trailing bytes past it belong to the link layer, not to MQTT-SN.
func Length(raw []byte) (int, error) {
	if len(raw) == 0 {
		return 0, ErrShortPacket
	}
	if raw[0] != 0x01 {
		return int(raw[0]), nil
	}
	if len(raw) < 3 {
		return 0, ErrShortPacket
	}
	return int(binary.BigEndian.Uint16(raw[1:3])), nil
}

// Decoder parses MQTT-SN packets. Each gateway owns its own instance;
// there is no shared decoder state.
type Decoder struct{}

func NewDecoder() *Decoder {
	return &Decoder{}
}

// Decode parses one packet from raw. raw must contain the whole packet;
// bytes past the declared length are ignored.
func (d *Decoder) Decode(raw []byte) (Packet, error) {
	total, err := Length(raw)
	if err != nil {
		return nil, err
	}
	if total < 2 || total > len(raw) {
		return nil, fmt.Errorf("%w: declared %d, have %d", ErrLengthInvalid, total, len(raw))
	}

	var (
		msgType MsgType
		body    []byte
	)
	if raw[0] == 0x01 {
		if total < 4 {
			return nil, fmt.Errorf("%w: extended header declared %d", ErrLengthInvalid, total)
		}
		msgType = MsgType(raw[3])
		body = raw[4:total]
	} else {
		msgType = MsgType(raw[1])
		body = raw[2:total]
	}

	switch msgType {
	case TypeAdvertise:
		return decodeAdvertise(body)
	case TypeSearchGW:
		return decodeSearchGW(body)
	case TypeGWInfo:
		return decodeGWInfo(body)
	case TypeConnect:
		return decodeConnect(body)
	case TypeConnack:
		return decodeConnack(body)
	case TypeWillTopicReq:
		return WillTopicReq{}, nil
	case TypeWillTopic:
		return decodeWillTopic(body)
	case TypeWillMsgReq:
		return WillMsgReq{}, nil
	case TypeWillMsg:
		return WillMsg{Message: cloneBytes(body)}, nil
	case TypeRegister:
		return decodeRegister(body)
	case TypeRegack:
		return decodeRegack(body)
	case TypePublish:
		return decodePublish(body)
	case TypePuback:
		return decodePuback(body)
	case TypePubrec:
		return decodeMsgIDOnly(body, func(id uint16) Packet { return Pubrec{MsgID: id} })
	case TypePubrel:
		return decodeMsgIDOnly(body, func(id uint16) Packet { return Pubrel{MsgID: id} })
	case TypePubcomp:
		return decodeMsgIDOnly(body, func(id uint16) Packet { return Pubcomp{MsgID: id} })
	case TypeSubscribe:
		return decodeSubscribe(body)
	case TypeSuback:
		return decodeSuback(body)
	case TypeUnsubscribe:
		return decodeUnsubscribe(body)
	case TypeUnsuback:
		return decodeMsgIDOnly(body, func(id uint16) Packet { return Unsuback{MsgID: id} })
	case TypePingreq:
		return Pingreq{ClientID: string(body)}, nil
	case TypePingresp:
		return Pingresp{}, nil
	case TypeDisconnect:
		return decodeDisconnect(body)
	case TypeWillTopicUpd:
		return decodeWillTopicUpd(body)
	case TypeWillTopicResp:
		return decodeReturnCodeOnly(body, func(rc ReturnCode) Packet { return WillTopicResp{ReturnCode: rc} })
	case TypeWillMsgUpd:
		return WillMsgUpd{Message: cloneBytes(body)}, nil
	case TypeWillMsgResp:
		return decodeReturnCodeOnly(body, func(rc ReturnCode) Packet { return WillMsgResp{ReturnCode: rc} })
	default:
		return nil, fmt.Errorf("%w: %#02x", ErrUnknownType, uint8(msgType))
	}
}

type flags struct {
	dup          bool
	qos          uint8
	retain       bool
	will         bool
	cleanSession bool
	topicIDType  TopicIDType
}

func decodeFlags(b uint8) flags {
	return flags{
		dup:          b&flagDup != 0,
		qos:          (b & flagQoSMask) >> flagQoSShift,
		retain:       b&flagRetain != 0,
		will:         b&flagWill != 0,
		cleanSession: b&flagCleanSession != 0,
		topicIDType:  TopicIDType(b & flagTopicIDTypeMask),
	}
}

func decodeAdvertise(body []byte) (Packet, error) {
	if len(body) < 3 {
		return nil, ErrShortPacket
	}
	return Advertise{GatewayID: body[0], Duration: binary.BigEndian.Uint16(body[1:3])}, nil
}

func decodeSearchGW(body []byte) (Packet, error) {
	if len(body) < 1 {
		return nil, ErrShortPacket
	}
	return SearchGW{Radius: body[0]}, nil
}

func decodeGWInfo(body []byte) (Packet, error) {
	if len(body) < 1 {
		return nil, ErrShortPacket
	}
	return GWInfo{GatewayID: body[0], GatewayAddress: cloneBytes(body[1:])}, nil
}

func decodeConnect(body []byte) (Packet, error) {
	if len(body) < 4 {
		return nil, ErrShortPacket
	}
	f := decodeFlags(body[0])
	return Connect{
		Will:         f.will,
		CleanSession: f.cleanSession,
		Duration:     binary.BigEndian.Uint16(body[2:4]),
		ClientID:     string(body[4:]),
	}, nil
}

func decodeConnack(body []byte) (Packet, error) {
	if len(body) < 1 {
		return nil, ErrShortPacket
	}
	return Connack{ReturnCode: ReturnCode(body[0])}, nil
}

func decodeWillTopic(body []byte) (Packet, error) {
	if len(body) == 0 {
		// Empty WILLTOPIC deletes the stored will.
		return WillTopic{}, nil
	}
	f := decodeFlags(body[0])
	return WillTopic{QoS: f.qos, Retain: f.retain, Topic: string(body[1:])}, nil
}

func decodeRegister(body []byte) (Packet, error) {
	if len(body) < 4 {
		return nil, ErrShortPacket
	}
	return Register{
		TopicID:   binary.BigEndian.Uint16(body[0:2]),
		MsgID:     binary.BigEndian.Uint16(body[2:4]),
		TopicName: string(body[4:]),
	}, nil
}

func decodeRegack(body []byte) (Packet, error) {
	if len(body) < 5 {
		return nil, ErrShortPacket
	}
	return Regack{
		TopicID:    binary.BigEndian.Uint16(body[0:2]),
		MsgID:      binary.BigEndian.Uint16(body[2:4]),
		ReturnCode: ReturnCode(body[4]),
	}, nil
}

func decodePublish(body []byte) (Packet, error) {
	if len(body) < 5 {
		return nil, ErrShortPacket
	}
	f := decodeFlags(body[0])
	return Publish{
		Dup:         f.dup,
		QoS:         f.qos,
		Retain:      f.retain,
		TopicIDType: f.topicIDType,
		TopicID:     binary.BigEndian.Uint16(body[1:3]),
		MsgID:       binary.BigEndian.Uint16(body[3:5]),
		Data:        cloneBytes(body[5:]),
	}, nil
}

func decodePuback(body []byte) (Packet, error) {
	if len(body) < 5 {
		return nil, ErrShortPacket
	}
	return Puback{
		TopicID:    binary.BigEndian.Uint16(body[0:2]),
		MsgID:      binary.BigEndian.Uint16(body[2:4]),
		ReturnCode: ReturnCode(body[4]),
	}, nil
}

func decodeSubscribe(body []byte) (Packet, error) {
	if len(body) < 4 {
		return nil, ErrShortPacket
	}
	f := decodeFlags(body[0])
	p := Subscribe{
		Dup:         f.dup,
		QoS:         f.qos,
		TopicIDType: f.topicIDType,
		MsgID:       binary.BigEndian.Uint16(body[1:3]),
	}
	if f.topicIDType == TopicIDPredefined {
		if len(body) < 5 {
			return nil, ErrShortPacket
		}
		p.TopicID = binary.BigEndian.Uint16(body[3:5])
		return p, nil
	}
	p.TopicName = string(body[3:])
	return p, nil
}

func decodeSuback(body []byte) (Packet, error) {
	if len(body) < 6 {
		return nil, ErrShortPacket
	}
	f := decodeFlags(body[0])
	return Suback{
		QoS:        f.qos,
		TopicID:    binary.BigEndian.Uint16(body[1:3]),
		MsgID:      binary.BigEndian.Uint16(body[3:5]),
		ReturnCode: ReturnCode(body[5]),
	}, nil
}

func decodeUnsubscribe(body []byte) (Packet, error) {
	if len(body) < 4 {
		return nil, ErrShortPacket
	}
	f := decodeFlags(body[0])
	p := Unsubscribe{
		TopicIDType: f.topicIDType,
		MsgID:       binary.BigEndian.Uint16(body[1:3]),
	}
	if f.topicIDType == TopicIDPredefined {
		if len(body) < 5 {
			return nil, ErrShortPacket
		}
		p.TopicID = binary.BigEndian.Uint16(body[3:5])
		return p, nil
	}
	p.TopicName = string(body[3:])
	return p, nil
}

func decodeDisconnect(body []byte) (Packet, error) {
	if len(body) == 0 {
		return Disconnect{}, nil
	}
	if len(body) < 2 {
		return nil, ErrShortPacket
	}
	return Disconnect{HasDuration: true, Duration: binary.BigEndian.Uint16(body[0:2])}, nil
}

func decodeWillTopicUpd(body []byte) (Packet, error) {
	if len(body) == 0 {
		return WillTopicUpd{}, nil
	}
	f := decodeFlags(body[0])
	return WillTopicUpd{QoS: f.qos, Retain: f.retain, Topic: string(body[1:])}, nil
}

func decodeMsgIDOnly(body []byte, build func(uint16) Packet) (Packet, error) {
	if len(body) < 2 {
		return nil, ErrShortPacket
	}
	return build(binary.BigEndian.Uint16(body[0:2])), nil
}

func decodeReturnCodeOnly(body []byte, build func(ReturnCode) Packet) (Packet, error) {
	if len(body) < 1 {
		return nil, ErrShortPacket
	}
	return build(ReturnCode(body[0])), nil
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
