package packet

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func uint32ptr(v uint32) *uint32 { return &v }

func decodeOne(t *testing.T, buf []byte) *Update {
	t.Helper()
	msg, consumed, err := Next(buf)
	require.NoError(t, err)
	require.Equal(t, len(buf), consumed)
	require.IsType(t, &Update{}, msg)
	return msg.(*Update)
}

func TestUpdateRoundTrip(t *testing.T) {
	update := &Update{
		Attrs: &PathAttrs{
			Origin:    OriginIGP,
			ASPath:    []uint16{65002, 65010},
			NextHop:   netip.MustParseAddr("10.0.0.2"),
			LocalPref: uint32ptr(200),
			MED:       uint32ptr(50),
		},
		NLRI: []netip.Prefix{
			netip.MustParsePrefix("192.168.10.0/24"),
			netip.MustParsePrefix("10.42.0.0/16"),
		},
	}
	buf, err := Encode(update)
	require.NoError(t, err)

	decoded := decodeOne(t, buf)
	assert.Equal(t, update.NLRI, decoded.NLRI)
	assert.Equal(t, update.Attrs.Origin, decoded.Attrs.Origin)
	assert.Equal(t, update.Attrs.ASPath, decoded.Attrs.ASPath)
	assert.Equal(t, update.Attrs.NextHop, decoded.Attrs.NextHop)
	assert.Equal(t, update.Attrs.LocalPref, decoded.Attrs.LocalPref)
	assert.Equal(t, update.Attrs.MED, decoded.Attrs.MED)

	// The wire form is stable under a full decode/encode cycle.
	again, err := Encode(decoded)
	require.NoError(t, err)
	assert.Equal(t, buf, again)
}

func TestUpdatePureWithdrawal(t *testing.T) {
	update := &Update{
		Withdrawn: []netip.Prefix{
			netip.MustParsePrefix("192.168.10.0/24"),
			netip.MustParsePrefix("172.16.0.0/12"),
		},
	}
	buf, err := Encode(update)
	require.NoError(t, err)

	decoded := decodeOne(t, buf)
	assert.Equal(t, update.Withdrawn, decoded.Withdrawn)
	assert.Nil(t, decoded.Attrs)
	assert.Empty(t, decoded.NLRI)

	again, err := Encode(decoded)
	require.NoError(t, err)
	assert.Equal(t, buf, again)
}

func TestUpdateEmptyASPath(t *testing.T) {
	update := &Update{
		Attrs: &PathAttrs{
			Origin:  OriginIGP,
			NextHop: netip.MustParseAddr("10.0.0.1"),
		},
		NLRI: []netip.Prefix{netip.MustParsePrefix("192.168.10.0/24")},
	}
	buf, err := Encode(update)
	require.NoError(t, err)

	decoded := decodeOne(t, buf)
	assert.Empty(t, decoded.Attrs.ASPath)

	again, err := Encode(decoded)
	require.NoError(t, err)
	assert.Equal(t, buf, again)
}

func TestUpdateHostAndDefaultRoutes(t *testing.T) {
	update := &Update{
		Attrs: &PathAttrs{
			Origin:  OriginIncomplete,
			ASPath:  []uint16{65002},
			NextHop: netip.MustParseAddr("10.0.0.2"),
		},
		NLRI: []netip.Prefix{
			netip.MustParsePrefix("0.0.0.0/0"),
			netip.MustParsePrefix("203.0.113.7/32"),
		},
	}
	buf, err := Encode(update)
	require.NoError(t, err)

	decoded := decodeOne(t, buf)
	assert.Equal(t, update.NLRI, decoded.NLRI)
}

func TestUpdateNLRIWithoutAttrs(t *testing.T) {
	update := &Update{NLRI: []netip.Prefix{netip.MustParsePrefix("192.168.10.0/24")}}
	_, err := Encode(update)
	require.Error(t, err)
}

func TestUpdateDuplicateAttributeRejected(t *testing.T) {
	update := &Update{
		Attrs: &PathAttrs{
			Origin:  OriginIGP,
			ASPath:  []uint16{65002},
			NextHop: netip.MustParseAddr("10.0.0.2"),
		},
		NLRI: []netip.Prefix{netip.MustParsePrefix("192.168.10.0/24")},
	}
	buf, err := Encode(update)
	require.NoError(t, err)

	// Append a second ORIGIN attribute and fix up the lengths.
	extra := []byte{attrFlagTransitive, attrTypeOrigin, 1, uint8(OriginEGP)}
	body := append(append([]byte{}, buf[HeaderLen:]...), extra...)
	attrsLen := int(body[2])<<8 | int(body[3])
	// Move the NLRI after the injected attribute.
	nlriStart := 4 + attrsLen
	nlri := append([]byte{}, body[nlriStart:len(body)-len(extra)]...)
	body = append(body[:nlriStart], extra...)
	body = append(body, nlri...)
	attrsLen += len(extra)
	body[2], body[3] = byte(attrsLen>>8), byte(attrsLen)
	mangled := append(append([]byte{}, buf[:HeaderLen]...), body...)
	mangled[MarkerLen], mangled[MarkerLen+1] = byte(len(mangled)>>8), byte(len(mangled))

	_, _, err = Next(mangled)
	require.Error(t, err)
	codecErr, ok := err.(*CodecError)
	require.True(t, ok)
	assert.Equal(t, uint8(ErrCodeUpdateMsg), codecErr.Code)
}

func TestUpdateMissingMandatoryAttr(t *testing.T) {
	// Hand-build an UPDATE whose only attribute is NEXT_HOP.
	body := []byte{0, 0, 0, 7}
	body = append(body, attrFlagTransitive, attrTypeNextHop, 4, 10, 0, 0, 2)
	body = append(body, 24, 192, 168, 10)
	buf := frame(MsgTypeUpdate, body)

	_, _, err := Next(buf)
	require.Error(t, err)
	codecErr, ok := err.(*CodecError)
	require.True(t, ok)
	assert.Equal(t, uint8(ErrSubMissingWellKnownAttr), codecErr.Subcode)
}

func TestUpdateASSetRejected(t *testing.T) {
	attrs := []byte{attrFlagTransitive, attrTypeOrigin, 1, uint8(OriginIGP)}
	attrs = append(attrs, attrFlagTransitive, attrTypeASPath, 4, asPathSegmentSet, 1, 0xfd, 0xea)
	attrs = append(attrs, attrFlagTransitive, attrTypeNextHop, 4, 10, 0, 0, 2)
	body := []byte{0, 0, 0, byte(len(attrs))}
	body = append(body, attrs...)
	body = append(body, 24, 192, 168, 10)
	buf := frame(MsgTypeUpdate, body)

	_, _, err := Next(buf)
	require.Error(t, err)
	codecErr, ok := err.(*CodecError)
	require.True(t, ok)
	assert.Equal(t, uint8(ErrSubMalformedASPath), codecErr.Subcode)
}

func TestUpdateUnknownOptionalAttrDropped(t *testing.T) {
	attrs := []byte{attrFlagTransitive, attrTypeOrigin, 1, uint8(OriginIGP)}
	attrs = append(attrs, attrFlagTransitive, attrTypeASPath, 4, asPathSegmentSequence, 1, 0xfd, 0xea)
	attrs = append(attrs, attrFlagTransitive, attrTypeNextHop, 4, 10, 0, 0, 2)
	// COMMUNITIES, optional transitive: ignored by this speaker.
	attrs = append(attrs, attrFlagOptional|attrFlagTransitive, 8, 4, 0xfd, 0xea, 0x00, 0x01)
	body := []byte{0, 0, 0, byte(len(attrs))}
	body = append(body, attrs...)
	body = append(body, 24, 192, 168, 10)
	buf := frame(MsgTypeUpdate, body)

	update := decodeOne(t, buf)
	assert.Equal(t, []uint16{65002}, update.Attrs.ASPath)
	assert.Equal(t, []netip.Prefix{netip.MustParsePrefix("192.168.10.0/24")}, update.NLRI)
}

// Attribute order on the wire is not constrained by the protocol; a decoded
// UPDATE must re-encode byte for byte no matter how the sender ordered its
// attributes or which unrecognized optional attributes it carried.
func TestUpdateNonCanonicalOrderRoundTrip(t *testing.T) {
	attrs := []byte{attrFlagTransitive, attrTypeNextHop, 4, 10, 0, 0, 2}
	attrs = append(attrs, attrFlagOptional|attrFlagTransitive, 8, 4, 0xfd, 0xea, 0x00, 0x01)
	attrs = append(attrs, attrFlagTransitive, attrTypeOrigin, 1, uint8(OriginIGP))
	attrs = append(attrs, attrFlagTransitive, attrTypeLocalPref, 4, 0, 0, 0, 200)
	attrs = append(attrs, attrFlagTransitive, attrTypeASPath, 4, asPathSegmentSequence, 1, 0xfd, 0xea)
	attrs = append(attrs, attrFlagOptional, attrTypeMED, 4, 0, 0, 0, 50)
	body := []byte{0, 0, 0, byte(len(attrs))}
	body = append(body, attrs...)
	body = append(body, 24, 192, 168, 10)
	buf := frame(MsgTypeUpdate, body)

	update := decodeOne(t, buf)
	assert.Equal(t, netip.MustParseAddr("10.0.0.2"), update.Attrs.NextHop)
	assert.Equal(t, uint32(200), *update.Attrs.LocalPref)
	assert.Equal(t, uint32(50), *update.Attrs.MED)

	again, err := Encode(update)
	require.NoError(t, err)
	assert.Equal(t, buf, again)
}

func TestUpdateUnknownWellKnownAttrRejected(t *testing.T) {
	attrs := []byte{attrFlagTransitive, attrTypeOrigin, 1, uint8(OriginIGP)}
	attrs = append(attrs, attrFlagTransitive, attrTypeASPath, 4, asPathSegmentSequence, 1, 0xfd, 0xea)
	attrs = append(attrs, attrFlagTransitive, attrTypeNextHop, 4, 10, 0, 0, 2)
	attrs = append(attrs, attrFlagTransitive, 9, 1, 0x00)
	body := []byte{0, 0, 0, byte(len(attrs))}
	body = append(body, attrs...)
	buf := frame(MsgTypeUpdate, body)

	_, _, err := Next(buf)
	require.Error(t, err)
	codecErr, ok := err.(*CodecError)
	require.True(t, ok)
	assert.Equal(t, uint8(ErrSubUnrecognizedWellKnownAttr), codecErr.Subcode)
}

func TestUpdateTruncatedNLRI(t *testing.T) {
	attrs := []byte{attrFlagTransitive, attrTypeOrigin, 1, uint8(OriginIGP)}
	attrs = append(attrs, attrFlagTransitive, attrTypeASPath, 4, asPathSegmentSequence, 1, 0xfd, 0xea)
	attrs = append(attrs, attrFlagTransitive, attrTypeNextHop, 4, 10, 0, 0, 2)
	body := []byte{0, 0, 0, byte(len(attrs))}
	body = append(body, attrs...)
	body = append(body, 24, 192) // /24 prefix needs 3 address bytes
	buf := frame(MsgTypeUpdate, body)

	_, _, err := Next(buf)
	require.Error(t, err)
	codecErr, ok := err.(*CodecError)
	require.True(t, ok)
	assert.Equal(t, uint8(ErrSubInvalidNetworkField), codecErr.Subcode)
}

// frame wraps a body in a valid common header.
func frame(msgType uint8, body []byte) []byte {
	buf := make([]byte, HeaderLen+len(body))
	for i := 0; i < MarkerLen; i++ {
		buf[i] = 0xff
	}
	buf[MarkerLen] = byte(len(buf) >> 8)
	buf[MarkerLen+1] = byte(len(buf))
	buf[MarkerLen+2] = msgType
	copy(buf[HeaderLen:], body)
	return buf
}
