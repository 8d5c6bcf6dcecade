package packet

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

const openBodyMinLen = 10

// Open carries the session parameters proposed by a speaker. Optional
// parameters are kept opaque: this speaker negotiates no capabilities, it only
// needs to carry them through unmodified.
type Open struct {
	Version   uint8
	AS        uint16
	HoldTime  uint16
	RouterID  netip.Addr
	OptParams []byte
}

func (*Open) sealed() {}

// Type returns MsgTypeOpen.
func (*Open) Type() uint8 { return MsgTypeOpen }

func (o *Open) String() string {
	return fmt.Sprintf("OPEN{version=%d as=%d holdtime=%d id=%s}", o.Version, o.AS, o.HoldTime, o.RouterID)
}

func (o *Open) encodeBody() ([]byte, error) {
	if !o.RouterID.Is4() {
		return nil, fmt.Errorf("router ID <%s> is not an IPv4 address", o.RouterID)
	}
	if len(o.OptParams) > 255 {
		return nil, fmt.Errorf("optional parameters of %d bytes exceed one length octet", len(o.OptParams))
	}
	body := make([]byte, openBodyMinLen, openBodyMinLen+len(o.OptParams))
	body[0] = o.Version
	binary.BigEndian.PutUint16(body[1:3], o.AS)
	binary.BigEndian.PutUint16(body[3:5], o.HoldTime)
	id := o.RouterID.As4()
	copy(body[5:9], id[:])
	body[9] = uint8(len(o.OptParams))
	return append(body, o.OptParams...), nil
}

func decodeOpen(body []byte) (Message, error) {
	if len(body) < openBodyMinLen {
		return nil, codecErr(BadLength, ErrCodeOpenMsg, ErrSubUnspecific, nil,
			"OPEN body of %d bytes", len(body))
	}
	o := &Open{
		Version:  body[0],
		AS:       binary.BigEndian.Uint16(body[1:3]),
		HoldTime: binary.BigEndian.Uint16(body[3:5]),
		RouterID: netip.AddrFrom4([4]byte(body[5:9])),
	}
	if o.Version != Version4 {
		// Data carries the highest supported version, per RFC4271 6.2.
		return nil, codecErr(UnsupportedVersion, ErrCodeOpenMsg, ErrSubUnsupportedVersion, []byte{0, Version4},
			"unsupported protocol version %d", o.Version)
	}
	if o.HoldTime == 1 || o.HoldTime == 2 {
		return nil, codecErr(Malformed, ErrCodeOpenMsg, ErrSubUnacceptableHoldTime, nil,
			"hold time %d below the 3 second minimum", o.HoldTime)
	}
	optLen := int(body[9])
	if len(body) != openBodyMinLen+optLen {
		return nil, codecErr(BadLength, ErrCodeOpenMsg, ErrSubUnspecific, nil,
			"optional parameter length %d does not match %d remaining bytes", optLen, len(body)-openBodyMinLen)
	}
	if optLen > 0 {
		o.OptParams = append([]byte(nil), body[openBodyMinLen:]...)
	}
	return o, nil
}
