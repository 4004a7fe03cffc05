package gwp

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	pkt := BuildGSOK()
	hdr, err := ParseHeader(pkt)
	require.NoError(t, err)
	assert.Equal(t, CmdGSOK, hdr.Cmd)
}

func TestJoinRoundTrip(t *testing.T) {
	req := BuildJoinReq(42)
	hdr, err := ParseHeader(req)
	require.NoError(t, err)
	require.Equal(t, CmdJoin, hdr.Cmd)
	gameID, err := ParseJoinReq(req[HeaderSize:])
	require.NoError(t, err)
	assert.EqualValues(t, 42, gameID)

	ip := net.ParseIP("::")
	resp := BuildJoinResp(42, ip, 4096)
	assert.Len(t, resp, 27)
	gotID, gotIP, gotPort, err := ParseJoinResp(resp[HeaderSize:])
	require.NoError(t, err)
	assert.EqualValues(t, 42, gotID)
	assert.True(t, gotIP.Equal(ip))
	assert.EqualValues(t, 4096, gotPort)
}

func TestGSRoundTrip(t *testing.T) {
	ip := net.ParseIP("::")
	pkt := BuildGS(ip, 4096)
	assert.Len(t, pkt, 23)
	gotIP, gotPort, err := ParseGS(pkt[HeaderSize:])
	require.NoError(t, err)
	assert.True(t, gotIP.Equal(ip))
	assert.EqualValues(t, 4096, gotPort)
}

func TestGIDRoundTrip(t *testing.T) {
	ids := []uint32{1, 2, 3, 42}
	pkt, err := BuildGID(ids)
	require.NoError(t, err)
	assert.Len(t, pkt, 6+4*len(ids))
	got, err := ParseGID(pkt[HeaderSize:])
	require.NoError(t, err)
	assert.Equal(t, ids, got)
}

func TestParseHeaderRejectsBadMagic(t *testing.T) {
	buf := []byte{0x00, 0x00, Version, 0, byte(CmdGSOK)}
	_, err := ParseHeader(buf)
	require.Error(t, err)
	pe, ok := err.(*ParseError)
	require.True(t, ok)
	assert.Equal(t, ErrBadMagic, pe.Kind)
	assert.True(t, pe.DropSilently())
}

func TestParseHeaderRejectsBadVersion(t *testing.T) {
	buf := make([]byte, HeaderSize)
	buf[0], buf[1] = 0x42, 0x57
	buf[2] = 2
	_, err := ParseHeader(buf)
	require.Error(t, err)
	pe := err.(*ParseError)
	assert.Equal(t, ErrBadVersion, pe.Kind)
	assert.True(t, pe.DropSilently())
}

func TestParseHeaderTruncated(t *testing.T) {
	_, err := ParseHeader([]byte{0x42, 0x57})
	require.Error(t, err)
	pe := err.(*ParseError)
	assert.Equal(t, ErrTruncated, pe.Kind)
	assert.False(t, pe.DropSilently())
}

func TestBuildGIDRejectsOversizedList(t *testing.T) {
	ids := make([]uint32, 256)
	_, err := BuildGID(ids)
	require.Error(t, err)
}
