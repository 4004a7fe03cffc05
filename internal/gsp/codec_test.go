package gsp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	pkt, err := BuildPacket(BuildParams{
		Flags:    FlagReliable,
		Seq:      7,
		AckBase:  3,
		AckBits:  0b101,
		Channel:  ChanRO,
		ClientID: 99,
		Cmd:      CmdPing,
	})
	require.NoError(t, err)

	hdr, err := ParseHeader(pkt)
	require.NoError(t, err)
	assert.Equal(t, FlagReliable, hdr.Flags)
	assert.EqualValues(t, 7, hdr.Seq)
	assert.EqualValues(t, 3, hdr.AckBase)
	assert.EqualValues(t, 0b101, hdr.AckBits)
	assert.Equal(t, ChanRO, hdr.Channel)
	assert.EqualValues(t, 99, hdr.ClientID)
	assert.Equal(t, CmdPing, hdr.Cmd)
	assert.EqualValues(t, HeaderSize, hdr.Size)
}

func TestBuildPacketRejectsOversize(t *testing.T) {
	_, err := BuildPacket(BuildParams{Payload: make([]byte, MaxPayloadSize+1)})
	require.Error(t, err)
}

func TestParseHeaderBadMagicDropsSilently(t *testing.T) {
	buf := make([]byte, HeaderSize)
	buf[0], buf[1] = 0, 0
	_, err := ParseHeader(buf)
	require.Error(t, err)
	assert.True(t, err.(*ParseError).DropSilently())
}

func TestInputRoundTrip(t *testing.T) {
	events := []InputEvent{{Type: InputForward, Value: 1}, {Type: 2, Value: 200}}
	payload := EncodeInput(events)
	got, err := DecodeInput(payload)
	require.NoError(t, err)
	assert.Equal(t, events, got)
}

func TestSnapshotFitsSinglePacket(t *testing.T) {
	state := make([]byte, MaxPayloadSize-4)
	_, fits := BuildSnapshotMessage(1, state)
	assert.True(t, fits)

	state2 := make([]byte, MaxPayloadSize-3)
	_, fits2 := BuildSnapshotMessage(1, state2)
	assert.False(t, fits2)
}

func TestFragmentRoundTrip(t *testing.T) {
	chunk := []byte("hello fragment")
	payload, err := EncodeFragment(10, 100, 20, chunk)
	require.NoError(t, err)
	base, total, off, got, err := DecodeFragment(payload)
	require.NoError(t, err)
	assert.EqualValues(t, 10, base)
	assert.EqualValues(t, 100, total)
	assert.EqualValues(t, 20, off)
	assert.Equal(t, chunk, got)
}

func TestSplitIntoFragmentsReassembles(t *testing.T) {
	msg := make([]byte, 3000)
	for i := range msg {
		msg[i] = byte(i)
	}
	parts := SplitIntoFragments(msg)
	assert.Len(t, parts, 3) // ceil(3000/1167) = 3

	reassembled := make([]byte, len(msg))
	for _, p := range parts {
		copy(reassembled[p.Offset:], p.Chunk)
	}
	assert.Equal(t, msg, reassembled)
}

func TestAuthPayloadsRoundTrip(t *testing.T) {
	var cookie [32]byte
	for i := range cookie {
		cookie[i] = byte(i)
	}
	join := EncodeJoin(7, 0xAB, 1)
	cid, nonce, ver, err := DecodeJoin(join)
	require.NoError(t, err)
	assert.EqualValues(t, 7, cid)
	assert.EqualValues(t, 0xAB, nonce)
	assert.EqualValues(t, 1, ver)

	chal := EncodeChallenge(12345, cookie)
	ts, gotCookie, err := DecodeChallenge(chal)
	require.NoError(t, err)
	assert.EqualValues(t, 12345, ts)
	assert.Equal(t, cookie, gotCookie)

	auth := EncodeAuth(0xAB, cookie)
	nonce2, cookie2, err := DecodeAuth(auth)
	require.NoError(t, err)
	assert.EqualValues(t, 0xAB, nonce2)
	assert.Equal(t, cookie, cookie2)

	var key [8]byte
	copy(key[:], "sesskey0")
	ok := EncodeAuthOK(7, key)
	gotCid, gotKey, err := DecodeAuthOK(ok)
	require.NoError(t, err)
	assert.EqualValues(t, 7, gotCid)
	assert.Equal(t, key, gotKey)
}
