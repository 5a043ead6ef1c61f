// Package snpacket implements the MQTT-SN v1.2 wire format: a closed
// set of packet types with a shared 1-byte (or 3-byte extended) length
// header and a command code byte.
package snpacket

import "fmt"

// MsgType is an MQTT-SN command code.
type MsgType uint8

const (
	TypeAdvertise     MsgType = 0x00
	TypeSearchGW      MsgType = 0x01
	TypeGWInfo        MsgType = 0x02
	TypeConnect       MsgType = 0x04
	TypeConnack       MsgType = 0x05
	TypeWillTopicReq  MsgType = 0x06
	TypeWillTopic     MsgType = 0x07
	TypeWillMsgReq    MsgType = 0x08
	TypeWillMsg       MsgType = 0x09
	TypeRegister      MsgType = 0x0A
	TypeRegack        MsgType = 0x0B
	TypePublish       MsgType = 0x0C
	TypePuback        MsgType = 0x0D
	TypePubcomp       MsgType = 0x0E
	TypePubrec        MsgType = 0x0F
	TypePubrel        MsgType = 0x10
	TypeSubscribe     MsgType = 0x12
	TypeSuback        MsgType = 0x13
	TypeUnsubscribe   MsgType = 0x14
	TypeUnsuback      MsgType = 0x15
	TypePingreq       MsgType = 0x16
	TypePingresp      MsgType = 0x17
	TypeDisconnect    MsgType = 0x18
	TypeWillTopicUpd  MsgType = 0x1A
	TypeWillTopicResp MsgType = 0x1B
	TypeWillMsgUpd    MsgType = 0x1C
	TypeWillMsgResp   MsgType = 0x1D
)

func (t MsgType) String() string {
	switch t {
	case TypeAdvertise:
		return "advertise"
	case TypeSearchGW:
		return "searchgw"
	case TypeGWInfo:
		return "gwinfo"
	case TypeConnect:
		return "connect"
	case TypeConnack:
		return "connack"
	case TypeWillTopicReq:
		return "willtopicreq"
	case TypeWillTopic:
		return "willtopic"
	case TypeWillMsgReq:
		return "willmsgreq"
	case TypeWillMsg:
		return "willmsg"
	case TypeRegister:
		return "register"
	case TypeRegack:
		return "regack"
	case TypePublish:
		return "publish"
	case TypePuback:
		return "puback"
	case TypePubcomp:
		return "pubcomp"
	case TypePubrec:
		return "pubrec"
	case TypePubrel:
		return "pubrel"
	case TypeSubscribe:
		return "subscribe"
	case TypeSuback:
		return "suback"
	case TypeUnsubscribe:
		return "unsubscribe"
	case TypeUnsuback:
		return "unsuback"
	case TypePingreq:
		return "pingreq"
	case TypePingresp:
		return "pingresp"
	case TypeDisconnect:
		return "disconnect"
	case TypeWillTopicUpd:
		return "willtopicupd"
	case TypeWillTopicResp:
		return "willtopicresp"
	case TypeWillMsgUpd:
		return "willmsgupd"
	case TypeWillMsgResp:
		return "willmsgresp"
	default:
		return fmt.Sprintf("unknown(%#02x)", uint8(t))
	}
}

// ReturnCode is an MQTT-SN response status.
type ReturnCode uint8

const (
	Accepted               ReturnCode = 0x00
	RejectedCongestion     ReturnCode = 0x01
	RejectedInvalidTopicID ReturnCode = 0x02
	RejectedNotSupported   ReturnCode = 0x03
)

func (rc ReturnCode) String() string {
	switch rc {
	case Accepted:
		return "Accepted"
	case RejectedCongestion:
		return "Rejected: congestion"
	case RejectedInvalidTopicID:
		return "Rejected: invalid topic ID"
	case RejectedNotSupported:
		return "Rejected: not supported"
	default:
		return fmt.Sprintf("unknown(%#02x)", uint8(rc))
	}
}

// TopicIDType says how the topic field of PUBLISH/SUBSCRIBE is encoded.
type TopicIDType uint8

const (
	TopicIDNormal     TopicIDType = 0x00
	TopicIDPredefined TopicIDType = 0x01
	TopicIDShortName  TopicIDType = 0x02
)

// Flags byte layout.
const (
	flagDup             = 0x80
	flagQoSMask         = 0x60
	flagQoSShift        = 5
	flagRetain          = 0x10
	flagWill            = 0x08
	flagCleanSession    = 0x04
	flagTopicIDTypeMask = 0x03
)

const protocolID = 0x01

func encodeFlags(dup bool, qos uint8, retain, will, cleanSession bool, tt TopicIDType) uint8 {
	var f uint8
	if dup {
		f |= flagDup
	}
	f |= (qos << flagQoSShift) & flagQoSMask
	if retain {
		f |= flagRetain
	}
	if will {
		f |= flagWill
	}
	if cleanSession {
		f |= flagCleanSession
	}
	f |= uint8(tt) & flagTopicIDTypeMask

	return f
}
