/*
Package packet implements the BGP-4 wire codec: the common header and the
OPEN, UPDATE, NOTIFICATION and KEEPALIVE message bodies, restricted to IPv4
unicast. The codec is stateless; sessions own the buffering.
*/
package packet

import (
	"encoding/binary"
	"fmt"
)

const (
	// MarkerLen is the size of the all-ones synchronization marker.
	MarkerLen = 16
	// HeaderLen is the fixed size of the common header.
	HeaderLen = 19
	// MaxMsgLen bounds a whole message including the header.
	MaxMsgLen = 4096
	// Version4 is the only protocol version this speaker accepts.
	Version4 = 4
)

// Message types.
const (
	_ uint8 = iota
	MsgTypeOpen
	MsgTypeUpdate
	MsgTypeNotification
	MsgTypeKeepalive
)

// NOTIFICATION error codes.
const (
	_ uint8 = iota
	ErrCodeMsgHeader
	ErrCodeOpenMsg
	ErrCodeUpdateMsg
	ErrCodeHoldTimerExpired
	ErrCodeFSM
	ErrCodeCease
)

// Message header error subcodes.
const (
	_ uint8 = iota
	ErrSubConnNotSynced
	ErrSubBadMsgLen
	ErrSubBadMsgType
)

// OPEN message error subcodes.
const (
	ErrSubUnspecific uint8 = iota
	ErrSubUnsupportedVersion
	ErrSubBadPeerAS
	ErrSubBadBGPIdentifier
	ErrSubUnsupportedOptParam
	_
	ErrSubUnacceptableHoldTime
)

// UPDATE message error subcodes.
const (
	_ uint8 = iota
	ErrSubMalformedAttrList
	ErrSubUnrecognizedWellKnownAttr
	ErrSubMissingWellKnownAttr
	ErrSubAttrFlagsError
	ErrSubAttrLenError
	ErrSubInvalidOrigin
	_
	ErrSubInvalidNextHop
	ErrSubOptionalAttrError
	ErrSubInvalidNetworkField
	ErrSubMalformedASPath
)

// ErrorKind classifies codec failures for callers that do not care about the
// exact RFC4271 code pair.
type ErrorKind int

const (
	Malformed ErrorKind = iota
	UnsupportedVersion
	BadLength
	BadAttribute
)

func (k ErrorKind) String() string {
	return [...]string{"malformed", "unsupported version", "bad length", "bad attribute"}[k]
}

// CodecError carries the NOTIFICATION code pair matching a decode failure, so
// the session can report the error to the peer before tearing down.
type CodecError struct {
	Kind    ErrorKind
	Code    uint8
	Subcode uint8
	Data    []byte
	Reason  string
}

func (e *CodecError) Error() string {
	return fmt.Sprintf("%s (%d:%d): %s", e.Kind, e.Code, e.Subcode, e.Reason)
}

func codecErr(kind ErrorKind, code, subcode uint8, data []byte, format string, args ...interface{}) *CodecError {
	return &CodecError{
		Kind:    kind,
		Code:    code,
		Subcode: subcode,
		Data:    data,
		Reason:  fmt.Sprintf(format, args...),
	}
}

// Message is the closed set of BGP-4 messages. Dispatch over it must be an
// exhaustive type switch; the sealed method keeps the set closed.
type Message interface {
	Type() uint8
	String() string
	sealed()
}

// Notification reports a protocol error; emitting or receiving one always
// precedes session teardown.
type Notification struct {
	Code    uint8
	Subcode uint8
	Data    []byte
}

func (*Notification) sealed() {}

// Type returns MsgTypeNotification.
func (*Notification) Type() uint8 { return MsgTypeNotification }

func (n *Notification) String() string {
	return fmt.Sprintf("NOTIFICATION{code=%d subcode=%d datalen=%d}", n.Code, n.Subcode, len(n.Data))
}

// Keepalive is a header-only heartbeat message.
type Keepalive struct{}

func (*Keepalive) sealed() {}

// Type returns MsgTypeKeepalive.
func (*Keepalive) Type() uint8 { return MsgTypeKeepalive }

func (*Keepalive) String() string { return "KEEPALIVE{}" }

// Next decodes the first complete message present in buf. It returns the
// message and the number of bytes consumed. A (nil, 0, nil) return means buf
// does not yet hold a full message: the caller keeps the bytes and calls again
// once more data arrived. Decode failures return a *CodecError.
func Next(buf []byte) (Message, int, error) {
	if len(buf) < HeaderLen {
		return nil, 0, nil
	}
	for i := 0; i < MarkerLen; i++ {
		if buf[i] != 0xff {
			return nil, 0, codecErr(Malformed, ErrCodeMsgHeader, ErrSubConnNotSynced, nil,
				"marker byte %d is 0x%02x", i, buf[i])
		}
	}
	length := binary.BigEndian.Uint16(buf[MarkerLen : MarkerLen+2])
	msgType := buf[MarkerLen+2]
	if length < HeaderLen || length > MaxMsgLen {
		return nil, 0, codecErr(BadLength, ErrCodeMsgHeader, ErrSubBadMsgLen, buf[MarkerLen:MarkerLen+2],
			"message length %d out of range", length)
	}
	if len(buf) < int(length) {
		return nil, 0, nil
	}
	body := buf[HeaderLen:length]

	var (
		msg Message
		err error
	)
	switch msgType {
	case MsgTypeOpen:
		msg, err = decodeOpen(body)
	case MsgTypeUpdate:
		msg, err = decodeUpdate(body)
	case MsgTypeNotification:
		msg, err = decodeNotification(body)
	case MsgTypeKeepalive:
		if len(body) != 0 {
			return nil, 0, codecErr(BadLength, ErrCodeMsgHeader, ErrSubBadMsgLen, buf[MarkerLen:MarkerLen+2],
				"KEEPALIVE with %d body bytes", len(body))
		}
		msg = &Keepalive{}
	default:
		return nil, 0, codecErr(Malformed, ErrCodeMsgHeader, ErrSubBadMsgType, []byte{msgType},
			"unknown message type %d", msgType)
	}
	if err != nil {
		return nil, 0, err
	}
	return msg, int(length), nil
}

// Encode produces the full wire representation of msg, header included.
func Encode(msg Message) ([]byte, error) {
	var (
		body []byte
		err  error
	)
	switch m := msg.(type) {
	case *Open:
		body, err = m.encodeBody()
	case *Update:
		body, err = m.encodeBody()
	case *Notification:
		body = append([]byte{m.Code, m.Subcode}, m.Data...)
	case *Keepalive:
		body = nil
	default:
		// Unreachable: Message is sealed.
		return nil, fmt.Errorf("unencodable message type %T", msg)
	}
	if err != nil {
		return nil, err
	}
	if HeaderLen+len(body) > MaxMsgLen {
		return nil, fmt.Errorf("message body of %d bytes exceeds the %d byte limit", len(body), MaxMsgLen)
	}
	pkt := make([]byte, HeaderLen+len(body))
	for i := 0; i < MarkerLen; i++ {
		pkt[i] = 0xff
	}
	binary.BigEndian.PutUint16(pkt[MarkerLen:MarkerLen+2], uint16(HeaderLen+len(body)))
	pkt[MarkerLen+2] = msg.Type()
	copy(pkt[HeaderLen:], body)
	return pkt, nil
}

func decodeNotification(body []byte) (Message, error) {
	if len(body) < 2 {
		return nil, codecErr(BadLength, ErrCodeMsgHeader, ErrSubBadMsgLen, nil,
			"NOTIFICATION body of %d bytes", len(body))
	}
	n := &Notification{Code: body[0], Subcode: body[1]}
	if len(body) > 2 {
		n.Data = append([]byte(nil), body[2:]...)
	}
	return n, nil
}
