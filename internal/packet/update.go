package packet

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"strings"
)

// Origin is the ORIGIN path attribute value.
type Origin uint8

const (
	OriginIGP Origin = iota
	OriginEGP
	OriginIncomplete
)

func (o Origin) String() string {
	switch o {
	case OriginIGP:
		return "IGP"
	case OriginEGP:
		return "EGP"
	case OriginIncomplete:
		return "Incomplete"
	}
	return fmt.Sprintf("Origin(%d)", uint8(o))
}

// Path attribute flags.
const (
	attrFlagOptional    uint8 = 0x80
	attrFlagTransitive  uint8 = 0x40
	attrFlagPartial     uint8 = 0x20
	attrFlagExtendedLen uint8 = 0x10
)

// Path attribute type codes.
const (
	attrTypeOrigin    uint8 = 1
	attrTypeASPath    uint8 = 2
	attrTypeNextHop   uint8 = 3
	attrTypeMED       uint8 = 4
	attrTypeLocalPref uint8 = 5
)

// AS_PATH segment types. Only AS_SEQUENCE is produced; AS_SET is rejected
// since this speaker never aggregates.
const (
	asPathSegmentSet      uint8 = 1
	asPathSegmentSequence uint8 = 2
)

// PathAttrs is the attribute set shared by every NLRI entry of one UPDATE.
// LocalPref and MED are nil when absent from the message.
type PathAttrs struct {
	Origin    Origin
	ASPath    []uint16
	NextHop   netip.Addr
	LocalPref *uint32
	MED       *uint32

	// wire holds the attribute bytes exactly as decoded, including attribute
	// order and unrecognized optional attributes; encode replays them so every
	// accepted UPDATE re-encodes byte for byte.
	wire []byte
}

// Update carries withdrawn prefixes and newly reachable NLRI sharing one
// attribute set. Attrs is nil for a pure withdrawal.
type Update struct {
	Withdrawn []netip.Prefix
	Attrs     *PathAttrs
	NLRI      []netip.Prefix
}

func (*Update) sealed() {}

// Type returns MsgTypeUpdate.
func (*Update) Type() uint8 { return MsgTypeUpdate }

func (u *Update) String() string {
	var sb strings.Builder
	sb.WriteString("UPDATE{")
	if len(u.Withdrawn) > 0 {
		fmt.Fprintf(&sb, "withdrawn=%v ", u.Withdrawn)
	}
	if len(u.NLRI) > 0 {
		fmt.Fprintf(&sb, "nlri=%v ", u.NLRI)
	}
	if u.Attrs != nil {
		fmt.Fprintf(&sb, "origin=%s aspath=%v nexthop=%s", u.Attrs.Origin, u.Attrs.ASPath, u.Attrs.NextHop)
		if u.Attrs.LocalPref != nil {
			fmt.Fprintf(&sb, " localpref=%d", *u.Attrs.LocalPref)
		}
		if u.Attrs.MED != nil {
			fmt.Fprintf(&sb, " med=%d", *u.Attrs.MED)
		}
	}
	sb.WriteString("}")
	return sb.String()
}

func (u *Update) encodeBody() ([]byte, error) {
	withdrawn, err := encodePrefixes(u.Withdrawn)
	if err != nil {
		return nil, err
	}
	var attrs []byte
	if u.Attrs != nil {
		attrs, err = u.Attrs.encode()
		if err != nil {
			return nil, err
		}
	} else if len(u.NLRI) > 0 {
		return nil, fmt.Errorf("UPDATE with NLRI requires path attributes")
	}
	nlri, err := encodePrefixes(u.NLRI)
	if err != nil {
		return nil, err
	}
	body := make([]byte, 0, 4+len(withdrawn)+len(attrs)+len(nlri))
	body = binary.BigEndian.AppendUint16(body, uint16(len(withdrawn)))
	body = append(body, withdrawn...)
	body = binary.BigEndian.AppendUint16(body, uint16(len(attrs)))
	body = append(body, attrs...)
	body = append(body, nlri...)
	return body, nil
}

// encode replays the decoded bytes when present; attribute sets built locally
// are emitted in type-code order, which round-trips through the decoder.
func (a *PathAttrs) encode() ([]byte, error) {
	if a.wire != nil {
		return append([]byte(nil), a.wire...), nil
	}
	if !a.NextHop.Is4() {
		return nil, fmt.Errorf("next hop <%s> is not an IPv4 address", a.NextHop)
	}
	var buf []byte

	buf = append(buf, attrFlagTransitive, attrTypeOrigin, 1, uint8(a.Origin))

	if len(a.ASPath) > 255 {
		return nil, fmt.Errorf("AS path of %d hops exceeds one segment", len(a.ASPath))
	}
	if len(a.ASPath) == 0 {
		buf = append(buf, attrFlagTransitive, attrTypeASPath, 0)
	} else {
		buf = append(buf, attrFlagTransitive, attrTypeASPath, uint8(2+2*len(a.ASPath)),
			asPathSegmentSequence, uint8(len(a.ASPath)))
		for _, as := range a.ASPath {
			buf = binary.BigEndian.AppendUint16(buf, as)
		}
	}

	nh := a.NextHop.As4()
	buf = append(buf, attrFlagTransitive, attrTypeNextHop, 4)
	buf = append(buf, nh[:]...)

	if a.MED != nil {
		buf = append(buf, attrFlagOptional, attrTypeMED, 4)
		buf = binary.BigEndian.AppendUint32(buf, *a.MED)
	}
	if a.LocalPref != nil {
		buf = append(buf, attrFlagTransitive, attrTypeLocalPref, 4)
		buf = binary.BigEndian.AppendUint32(buf, *a.LocalPref)
	}
	return buf, nil
}

func decodeUpdate(body []byte) (Message, error) {
	if len(body) < 4 {
		return nil, codecErr(BadLength, ErrCodeUpdateMsg, ErrSubMalformedAttrList, nil,
			"UPDATE body of %d bytes", len(body))
	}
	withdrawnLen := int(binary.BigEndian.Uint16(body[0:2]))
	if 2+withdrawnLen+2 > len(body) {
		return nil, codecErr(BadLength, ErrCodeUpdateMsg, ErrSubMalformedAttrList, nil,
			"withdrawn routes length %d overruns the body", withdrawnLen)
	}
	withdrawn, err := decodePrefixes(body[2 : 2+withdrawnLen])
	if err != nil {
		return nil, err
	}
	offset := 2 + withdrawnLen
	attrsLen := int(binary.BigEndian.Uint16(body[offset : offset+2]))
	offset += 2
	if offset+attrsLen > len(body) {
		return nil, codecErr(BadLength, ErrCodeUpdateMsg, ErrSubMalformedAttrList, nil,
			"path attribute length %d overruns the body", attrsLen)
	}
	var attrs *PathAttrs
	if attrsLen > 0 {
		attrs, err = decodePathAttrs(body[offset : offset+attrsLen])
		if err != nil {
			return nil, err
		}
	}
	nlri, err := decodePrefixes(body[offset+attrsLen:])
	if err != nil {
		return nil, err
	}
	if len(nlri) > 0 {
		if attrs == nil {
			return nil, codecErr(BadAttribute, ErrCodeUpdateMsg, ErrSubMissingWellKnownAttr,
				[]byte{attrTypeOrigin}, "NLRI present without path attributes")
		}
		if !attrs.NextHop.IsValid() {
			return nil, codecErr(BadAttribute, ErrCodeUpdateMsg, ErrSubMissingWellKnownAttr,
				[]byte{attrTypeNextHop}, "NLRI present without NEXT_HOP")
		}
	}
	return &Update{Withdrawn: withdrawn, Attrs: attrs, NLRI: nlri}, nil
}

func decodePathAttrs(buf []byte) (*PathAttrs, error) {
	attrs := &PathAttrs{}
	var seen [attrTypeLocalPref + 1]bool
	sawOrigin, sawASPath := false, false
	for offset := 0; offset < len(buf); {
		if len(buf)-offset < 3 {
			return nil, codecErr(BadAttribute, ErrCodeUpdateMsg, ErrSubMalformedAttrList, nil,
				"truncated attribute at offset %d", offset)
		}
		flags := buf[offset]
		attrType := buf[offset+1]
		offset += 2
		var attrLen int
		if flags&attrFlagExtendedLen != 0 {
			if len(buf)-offset < 2 {
				return nil, codecErr(BadAttribute, ErrCodeUpdateMsg, ErrSubMalformedAttrList, nil,
					"truncated extended length for attribute %d", attrType)
			}
			attrLen = int(binary.BigEndian.Uint16(buf[offset : offset+2]))
			offset += 2
		} else {
			attrLen = int(buf[offset])
			offset++
		}
		if offset+attrLen > len(buf) {
			return nil, codecErr(BadAttribute, ErrCodeUpdateMsg, ErrSubAttrLenError, nil,
				"attribute %d length %d overruns the attribute list", attrType, attrLen)
		}
		val := buf[offset : offset+attrLen]
		offset += attrLen

		if int(attrType) < len(seen) {
			if seen[attrType] {
				return nil, codecErr(BadAttribute, ErrCodeUpdateMsg, ErrSubMalformedAttrList, nil,
					"attribute %d appears twice", attrType)
			}
			seen[attrType] = true
		}

		switch attrType {
		case attrTypeOrigin:
			if attrLen != 1 {
				return nil, codecErr(BadAttribute, ErrCodeUpdateMsg, ErrSubAttrLenError, nil,
					"ORIGIN length %d", attrLen)
			}
			if val[0] > uint8(OriginIncomplete) {
				return nil, codecErr(BadAttribute, ErrCodeUpdateMsg, ErrSubInvalidOrigin, val,
					"ORIGIN value %d", val[0])
			}
			attrs.Origin = Origin(val[0])
			sawOrigin = true
		case attrTypeASPath:
			asPath, err := decodeASPath(val)
			if err != nil {
				return nil, err
			}
			attrs.ASPath = asPath
			sawASPath = true
		case attrTypeNextHop:
			if attrLen != 4 {
				return nil, codecErr(BadAttribute, ErrCodeUpdateMsg, ErrSubInvalidNextHop, val,
					"NEXT_HOP length %d", attrLen)
			}
			attrs.NextHop = netip.AddrFrom4([4]byte(val))
		case attrTypeMED:
			if attrLen != 4 {
				return nil, codecErr(BadAttribute, ErrCodeUpdateMsg, ErrSubAttrLenError, val,
					"MULTI_EXIT_DISC length %d", attrLen)
			}
			med := binary.BigEndian.Uint32(val)
			attrs.MED = &med
		case attrTypeLocalPref:
			if attrLen != 4 {
				return nil, codecErr(BadAttribute, ErrCodeUpdateMsg, ErrSubAttrLenError, val,
					"LOCAL_PREF length %d", attrLen)
			}
			pref := binary.BigEndian.Uint32(val)
			attrs.LocalPref = &pref
		default:
			if flags&attrFlagOptional == 0 {
				return nil, codecErr(BadAttribute, ErrCodeUpdateMsg, ErrSubUnrecognizedWellKnownAttr,
					[]byte{attrType}, "unrecognized well-known attribute %d", attrType)
			}
			// Unknown optional attributes survive on the wire copy but carry
			// no meaning here: re-advertised routes are built from scratch.
		}
	}
	if !sawOrigin {
		return nil, codecErr(BadAttribute, ErrCodeUpdateMsg, ErrSubMissingWellKnownAttr,
			[]byte{attrTypeOrigin}, "missing ORIGIN")
	}
	if !sawASPath {
		return nil, codecErr(BadAttribute, ErrCodeUpdateMsg, ErrSubMissingWellKnownAttr,
			[]byte{attrTypeASPath}, "missing AS_PATH")
	}
	// The caller's buffer is reused for subsequent reads.
	attrs.wire = append([]byte(nil), buf...)
	return attrs, nil
}

func decodeASPath(val []byte) ([]uint16, error) {
	var path []uint16
	for offset := 0; offset < len(val); {
		if len(val)-offset < 2 {
			return nil, codecErr(BadAttribute, ErrCodeUpdateMsg, ErrSubMalformedASPath, nil,
				"truncated AS_PATH segment header")
		}
		segType := val[offset]
		segLen := int(val[offset+1])
		offset += 2
		if segType != asPathSegmentSequence {
			return nil, codecErr(BadAttribute, ErrCodeUpdateMsg, ErrSubMalformedASPath, nil,
				"unsupported AS_PATH segment type %d", segType)
		}
		if offset+2*segLen > len(val) {
			return nil, codecErr(BadAttribute, ErrCodeUpdateMsg, ErrSubMalformedASPath, nil,
				"AS_PATH segment of %d ASes overruns the attribute", segLen)
		}
		for i := 0; i < segLen; i++ {
			path = append(path, binary.BigEndian.Uint16(val[offset:offset+2]))
			offset += 2
		}
	}
	return path, nil
}

// encodePrefixes emits the RFC4271 length-prefixed IPv4 prefix list used by
// both the withdrawn routes and the NLRI fields.
func encodePrefixes(prefixes []netip.Prefix) ([]byte, error) {
	var buf []byte
	for _, prefix := range prefixes {
		if !prefix.Addr().Is4() {
			return nil, fmt.Errorf("prefix <%s> is not IPv4", prefix)
		}
		bits := prefix.Bits()
		addr := prefix.Addr().As4()
		buf = append(buf, uint8(bits))
		buf = append(buf, addr[:(bits+7)/8]...)
	}
	return buf, nil
}

func decodePrefixes(buf []byte) ([]netip.Prefix, error) {
	var prefixes []netip.Prefix
	for offset := 0; offset < len(buf); {
		bits := int(buf[offset])
		offset++
		if bits > 32 {
			return nil, codecErr(Malformed, ErrCodeUpdateMsg, ErrSubInvalidNetworkField, nil,
				"prefix length %d", bits)
		}
		numBytes := (bits + 7) / 8
		if offset+numBytes > len(buf) {
			return nil, codecErr(Malformed, ErrCodeUpdateMsg, ErrSubInvalidNetworkField, nil,
				"prefix of %d bits overruns the field", bits)
		}
		var addr [4]byte
		copy(addr[:], buf[offset:offset+numBytes])
		offset += numBytes
		prefixes = append(prefixes, netip.PrefixFrom(netip.AddrFrom4(addr), bits))
	}
	return prefixes, nil
}
