package snpacket

import "encoding/binary"

// Packet is the closed set of MQTT-SN messages. Every packet type knows
// its command code and how to serialize its body; the header is shared.
type Packet interface {
	Type() MsgType
	appendBody(dst []byte) []byte
}

// Marshal serializes a packet with its length-prefixed header. Lengths
// of 256 and above use the 3-byte extended header.
func Marshal(p Packet) []byte {
	body := p.appendBody(nil)

	// Short header: length byte + msg type byte + body.
	total := 2 + len(body)
	if total <= 0xFF {
		out := make([]byte, 0, total)
		out = append(out, byte(total), byte(p.Type()))
		return append(out, body...)
	}

	// Extended header: 0x01 + 2-byte length + msg type byte + body.
	total = 4 + len(body)
	out := make([]byte, 0, total)
	out = append(out, 0x01)
	out = binary.BigEndian.AppendUint16(out, uint16(total))
	out = append(out, byte(p.Type()))
	return append(out, body...)
}

type Advertise struct {
	GatewayID uint8
	Duration  uint16
}

func (Advertise) Type() MsgType { return TypeAdvertise }

func (p Advertise) appendBody(dst []byte) []byte {
	dst = append(dst, p.GatewayID)
	return binary.BigEndian.AppendUint16(dst, p.Duration)
}

type SearchGW struct {
	Radius uint8
}

func (SearchGW) Type() MsgType { return TypeSearchGW }

func (p SearchGW) appendBody(dst []byte) []byte {
	return append(dst, p.Radius)
}

type GWInfo struct {
	GatewayID      uint8
	GatewayAddress []byte
}

func (GWInfo) Type() MsgType { return TypeGWInfo }

func (p GWInfo) appendBody(dst []byte) []byte {
	dst = append(dst, p.GatewayID)
	return append(dst, p.GatewayAddress...)
}

type Connect struct {
	Will         bool
	CleanSession bool
	Duration     uint16
	ClientID     string
}

func (Connect) Type() MsgType { return TypeConnect }

func (p Connect) appendBody(dst []byte) []byte {
	dst = append(dst, encodeFlags(false, 0, false, p.Will, p.CleanSession, TopicIDNormal), protocolID)
	dst = binary.BigEndian.AppendUint16(dst, p.Duration)
	return append(dst, p.ClientID...)
}

type Connack struct {
	ReturnCode ReturnCode
}

func (Connack) Type() MsgType { return TypeConnack }

func (p Connack) appendBody(dst []byte) []byte {
	return append(dst, byte(p.ReturnCode))
}

type WillTopicReq struct{}

func (WillTopicReq) Type() MsgType { return TypeWillTopicReq }

func (WillTopicReq) appendBody(dst []byte) []byte { return dst }

type WillTopic struct {
	QoS    uint8
	Retain bool
	// Empty Topic means "delete the stored will".
	Topic string
}

func (WillTopic) Type() MsgType { return TypeWillTopic }

func (p WillTopic) appendBody(dst []byte) []byte {
	if p.Topic == "" {
		return dst
	}
	dst = append(dst, encodeFlags(false, p.QoS, p.Retain, false, false, TopicIDNormal))
	return append(dst, p.Topic...)
}

type WillMsgReq struct{}

func (WillMsgReq) Type() MsgType { return TypeWillMsgReq }

func (WillMsgReq) appendBody(dst []byte) []byte { return dst }

type WillMsg struct {
	Message []byte
}

func (WillMsg) Type() MsgType { return TypeWillMsg }

func (p WillMsg) appendBody(dst []byte) []byte {
	return append(dst, p.Message...)
}

type Register struct {
	TopicID   uint16
	MsgID     uint16
	TopicName string
}

func (Register) Type() MsgType { return TypeRegister }

func (p Register) appendBody(dst []byte) []byte {
	dst = binary.BigEndian.AppendUint16(dst, p.TopicID)
	dst = binary.BigEndian.AppendUint16(dst, p.MsgID)
	return append(dst, p.TopicName...)
}

type Regack struct {
	TopicID    uint16
	MsgID      uint16
	ReturnCode ReturnCode
}

func (Regack) Type() MsgType { return TypeRegack }

func (p Regack) appendBody(dst []byte) []byte {
	dst = binary.BigEndian.AppendUint16(dst, p.TopicID)
	dst = binary.BigEndian.AppendUint16(dst, p.MsgID)
	return append(dst, byte(p.ReturnCode))
}

type Publish struct {
	Dup         bool
	QoS         uint8
	Retain      bool
	TopicIDType TopicIDType
	TopicID     uint16
	MsgID       uint16
	Data        []byte
}

func (Publish) Type() MsgType { return TypePublish }

func (p Publish) appendBody(dst []byte) []byte {
	dst = append(dst, encodeFlags(p.Dup, p.QoS, p.Retain, false, false, p.TopicIDType))
	dst = binary.BigEndian.AppendUint16(dst, p.TopicID)
	dst = binary.BigEndian.AppendUint16(dst, p.MsgID)
	return append(dst, p.Data...)
}

type Puback struct {
	TopicID    uint16
	MsgID      uint16
	ReturnCode ReturnCode
}

func (Puback) Type() MsgType { return TypePuback }

func (p Puback) appendBody(dst []byte) []byte {
	dst = binary.BigEndian.AppendUint16(dst, p.TopicID)
	dst = binary.BigEndian.AppendUint16(dst, p.MsgID)
	return append(dst, byte(p.ReturnCode))
}

type Pubrec struct {
	MsgID uint16
}

func (Pubrec) Type() MsgType { return TypePubrec }

func (p Pubrec) appendBody(dst []byte) []byte {
	return binary.BigEndian.AppendUint16(dst, p.MsgID)
}

type Pubrel struct {
	MsgID uint16
}

func (Pubrel) Type() MsgType { return TypePubrel }

func (p Pubrel) appendBody(dst []byte) []byte {
	return binary.BigEndian.AppendUint16(dst, p.MsgID)
}

type Pubcomp struct {
	MsgID uint16
}

func (Pubcomp) Type() MsgType { return TypePubcomp }

func (p Pubcomp) appendBody(dst []byte) []byte {
	return binary.BigEndian.AppendUint16(dst, p.MsgID)
}

type Subscribe struct {
	Dup         bool
	QoS         uint8
	TopicIDType TopicIDType
	MsgID       uint16
	// TopicName is set for normal and short topics, TopicID for
	// predefined ones.
	TopicName string
	TopicID   uint16
}

func (Subscribe) Type() MsgType { return TypeSubscribe }

func (p Subscribe) appendBody(dst []byte) []byte {
	dst = append(dst, encodeFlags(p.Dup, p.QoS, false, false, false, p.TopicIDType))
	dst = binary.BigEndian.AppendUint16(dst, p.MsgID)
	if p.TopicIDType == TopicIDPredefined {
		return binary.BigEndian.AppendUint16(dst, p.TopicID)
	}
	return append(dst, p.TopicName...)
}

type Suback struct {
	QoS        uint8
	TopicID    uint16
	MsgID      uint16
	ReturnCode ReturnCode
}

func (Suback) Type() MsgType { return TypeSuback }

func (p Suback) appendBody(dst []byte) []byte {
	dst = append(dst, encodeFlags(false, p.QoS, false, false, false, TopicIDNormal))
	dst = binary.BigEndian.AppendUint16(dst, p.TopicID)
	dst = binary.BigEndian.AppendUint16(dst, p.MsgID)
	return append(dst, byte(p.ReturnCode))
}

type Unsubscribe struct {
	TopicIDType TopicIDType
	MsgID       uint16
	TopicName   string
	TopicID     uint16
}

func (Unsubscribe) Type() MsgType { return TypeUnsubscribe }

func (p Unsubscribe) appendBody(dst []byte) []byte {
	dst = append(dst, encodeFlags(false, 0, false, false, false, p.TopicIDType))
	dst = binary.BigEndian.AppendUint16(dst, p.MsgID)
	if p.TopicIDType == TopicIDPredefined {
		return binary.BigEndian.AppendUint16(dst, p.TopicID)
	}
	return append(dst, p.TopicName...)
}

type Unsuback struct {
	MsgID uint16
}

func (Unsuback) Type() MsgType { return TypeUnsuback }

func (p Unsuback) appendBody(dst []byte) []byte {
	return binary.BigEndian.AppendUint16(dst, p.MsgID)
}

type Pingreq struct {
	ClientID string
}

func (Pingreq) Type() MsgType { return TypePingreq }

func (p Pingreq) appendBody(dst []byte) []byte {
	return append(dst, p.ClientID...)
}

type Pingresp struct{}

func (Pingresp) Type() MsgType { return TypePingresp }

func (Pingresp) appendBody(dst []byte) []byte { return dst }

type Disconnect struct {
	// HasDuration marks a sleep request; a plain disconnect carries no
	// duration field at all.
	HasDuration bool
	Duration    uint16
}

func (Disconnect) Type() MsgType { return TypeDisconnect }

func (p Disconnect) appendBody(dst []byte) []byte {
	if !p.HasDuration {
		return dst
	}
	return binary.BigEndian.AppendUint16(dst, p.Duration)
}

type WillTopicUpd struct {
	QoS    uint8
	Retain bool
	Topic  string
}

func (WillTopicUpd) Type() MsgType { return TypeWillTopicUpd }

func (p WillTopicUpd) appendBody(dst []byte) []byte {
	if p.Topic == "" {
		return dst
	}
	dst = append(dst, encodeFlags(false, p.QoS, p.Retain, false, false, TopicIDNormal))
	return append(dst, p.Topic...)
}

type WillTopicResp struct {
	ReturnCode ReturnCode
}

func (WillTopicResp) Type() MsgType { return TypeWillTopicResp }

func (p WillTopicResp) appendBody(dst []byte) []byte {
	return append(dst, byte(p.ReturnCode))
}

type WillMsgUpd struct {
	Message []byte
}

func (WillMsgUpd) Type() MsgType { return TypeWillMsgUpd }

func (p WillMsgUpd) appendBody(dst []byte) []byte {
	return append(dst, p.Message...)
}

type WillMsgResp struct {
	ReturnCode ReturnCode
}

func (WillMsgResp) Type() MsgType { return TypeWillMsgResp }

func (p WillMsgResp) appendBody(dst []byte) []byte {
	return append(dst, byte(p.ReturnCode))
}
