package gsp

import (
	"encoding/binary"
	"fmt"
)

// ParseHeader decodes the 21-byte GSP header. It validates magic and
// version first: a mismatch is a drop-silently ParseError and MUST
// NOT be counted as a parse error against the peer.
func ParseHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, &ParseError{Kind: ErrTruncated, OffendingBytes: buf}
	}
	magic := binary.BigEndian.Uint16(buf[0:2])
	if magic != Magic {
		return Header{}, &ParseError{Kind: ErrBadMagic, OffendingBytes: buf[:HeaderSize]}
	}
	version := buf[2]
	if version != Version {
		return Header{}, &ParseError{Kind: ErrBadVersion, OffendingBytes: buf[:HeaderSize]}
	}
	h := Header{
		Flags:    Flags(buf[3]),
		Seq:      binary.BigEndian.Uint32(buf[4:8]),
		AckBase:  binary.BigEndian.Uint32(buf[8:12]),
		AckBits:  buf[12],
		Channel:  Channel(buf[13]),
		Size:     binary.BigEndian.Uint16(buf[14:16]),
		ClientID: binary.BigEndian.Uint32(buf[16:20]),
		Cmd:      Cmd(buf[20]),
	}
	if int(h.Size) != len(buf) {
		return Header{}, &ParseError{Kind: ErrMalformedPayload, OffendingBytes: buf}
	}
	return h, nil
}

// BuildParams carries every header field a caller must supply to build a
// GSP packet; the Reliability Engine is the sole assigner of Seq,
// AckBase and AckBits, everything else is fixed by the caller's intent.
type BuildParams struct {
	Flags    Flags
	Seq      uint32
	AckBase  uint32
	AckBits  uint8
	Channel  Channel
	ClientID uint32
	Cmd      Cmd
	Payload  []byte
}

// BuildPacket assembles a complete GSP datagram from p. It rejects
// payloads that would push the packet past MaxPacketSize.
func BuildPacket(p BuildParams) ([]byte, error) {
	total := HeaderSize + len(p.Payload)
	if total > MaxPacketSize {
		return nil, fmt.Errorf("gsp: packet size %d exceeds MaxPacketSize %d", total, MaxPacketSize)
	}
	buf := make([]byte, total)
	binary.BigEndian.PutUint16(buf[0:2], Magic)
	buf[2] = Version
	buf[3] = byte(p.Flags)
	binary.BigEndian.PutUint32(buf[4:8], p.Seq)
	binary.BigEndian.PutUint32(buf[8:12], p.AckBase)
	buf[12] = p.AckBits
	buf[13] = byte(p.Channel)
	binary.BigEndian.PutUint16(buf[14:16], uint16(total))
	binary.BigEndian.PutUint32(buf[16:20], p.ClientID)
	buf[20] = byte(p.Cmd)
	copy(buf[HeaderSize:], p.Payload)
	return buf, nil
}

// --- INPUT (1) ---

// InputEvent is a single (type, value) pair carried by an INPUT packet.
type InputEvent struct {
	Type  InputType
	Value uint8
}

// EncodeInput serializes a batch of input events into an INPUT payload.
func EncodeInput(events []InputEvent) []byte {
	buf := make([]byte, 2*len(events))
	for i, e := range events {
		buf[2*i] = byte(e.Type)
		buf[2*i+1] = e.Value
	}
	return buf
}

// DecodeInput parses an INPUT payload into its (type, value) pairs.
func DecodeInput(payload []byte) ([]InputEvent, error) {
	if len(payload)%2 != 0 {
		return nil, &ParseError{Kind: ErrMalformedPayload, OffendingBytes: payload}
	}
	events := make([]InputEvent, len(payload)/2)
	for i := range events {
		events[i] = InputEvent{Type: InputType(payload[2*i]), Value: payload[2*i+1]}
	}
	return events, nil
}

// --- SNAPSHOT (2) ---

// snapshotHeaderSize is the fixed prefix of a SNAPSHOT payload: the
// snapshot's sequence number.
const snapshotHeaderSize = 4

// EncodeSnapshot serializes snapshot_seq·state into a SNAPSHOT payload.
// It never fragments; callers that may exceed MaxPayloadSize must use
// BuildSnapshotMessage instead.
func EncodeSnapshot(snapshotSeq uint32, state []byte) []byte {
	buf := make([]byte, snapshotHeaderSize+len(state))
	binary.BigEndian.PutUint32(buf[0:4], snapshotSeq)
	copy(buf[4:], state)
	return buf
}

// DecodeSnapshot parses a SNAPSHOT payload.
func DecodeSnapshot(payload []byte) (snapshotSeq uint32, state []byte, err error) {
	if len(payload) < snapshotHeaderSize {
		return 0, nil, &ParseError{Kind: ErrMalformedPayload, OffendingBytes: payload}
	}
	return binary.BigEndian.Uint32(payload[0:4]), payload[4:], nil
}

// --- FRAGMENT (13) ---

// fragmentHeaderSize is the fixed prefix of a FRAGMENT payload:
// base_seq(4)·total_size(4)·offset(4).
const fragmentHeaderSize = 12

// EncodeFragment serializes a single fragment. It rejects fragments whose
// bytes would exceed MaxPayloadSize-fragmentHeaderSize.
func EncodeFragment(baseSeq, totalSize, offset uint32, chunk []byte) ([]byte, error) {
	if len(chunk) > MaxPayloadSize-fragmentHeaderSize {
		return nil, fmt.Errorf("gsp: fragment payload %d exceeds max %d", len(chunk), MaxPayloadSize-fragmentHeaderSize)
	}
	buf := make([]byte, fragmentHeaderSize+len(chunk))
	binary.BigEndian.PutUint32(buf[0:4], baseSeq)
	binary.BigEndian.PutUint32(buf[4:8], totalSize)
	binary.BigEndian.PutUint32(buf[8:12], offset)
	copy(buf[12:], chunk)
	return buf, nil
}

// DecodeFragment parses a FRAGMENT payload.
func DecodeFragment(payload []byte) (baseSeq, totalSize, offset uint32, chunk []byte, err error) {
	if len(payload) < fragmentHeaderSize {
		return 0, 0, 0, nil, &ParseError{Kind: ErrMalformedPayload, OffendingBytes: payload}
	}
	baseSeq = binary.BigEndian.Uint32(payload[0:4])
	totalSize = binary.BigEndian.Uint32(payload[4:8])
	offset = binary.BigEndian.Uint32(payload[8:12])
	chunk = payload[12:]
	return baseSeq, totalSize, offset, chunk, nil
}

// SplitIntoFragments splits msg into chunks no larger than
// MaxPayloadSize-fragmentHeaderSize, each ready to be wrapped by
// EncodeFragment. baseSeq is the sequence number the reassembled message
// is addressed by; only the caller (the Reliability Engine) knows what
// sequence number the first fragment will actually be assigned, so this
// returns (offset, chunk) pairs rather than fully-built packets.
func SplitIntoFragments(msg []byte) []struct {
	Offset uint32
	Chunk  []byte
} {
	const maxChunk = MaxPayloadSize - fragmentHeaderSize
	var out []struct {
		Offset uint32
		Chunk  []byte
	}
	for off := 0; off < len(msg); off += maxChunk {
		end := off + maxChunk
		if end > len(msg) {
			end = len(msg)
		}
		out = append(out, struct {
			Offset uint32
			Chunk  []byte
		}{Offset: uint32(off), Chunk: msg[off:end]})
	}
	if len(out) == 0 {
		// A zero-length message still fragments to a single empty chunk
		// so callers always get at least one packet to send.
		out = append(out, struct {
			Offset uint32
			Chunk  []byte
		}{Offset: 0, Chunk: nil})
	}
	return out
}

// BuildSnapshotMessage produces the pre-fragmentation snapshot_seq·state
// byte string, and reports whether it fits a single SNAPSHOT packet.
// Callers that get fitsSinglePacket=false must split the message
// themselves via SplitIntoFragments and send every resulting fragment,
// not just the first.
func BuildSnapshotMessage(snapshotSeq uint32, state []byte) (msg []byte, fitsSinglePacket bool) {
	msg = EncodeSnapshot(snapshotSeq, state)
	return msg, len(msg) <= MaxPayloadSize
}

// --- JOIN (7) ---

// EncodeJoin serializes a client JOIN request: client_id(4)·nonce(1)·version(1).
func EncodeJoin(clientID uint32, nonce, version uint8) []byte {
	buf := make([]byte, 6)
	binary.BigEndian.PutUint32(buf[0:4], clientID)
	buf[4] = nonce
	buf[5] = version
	return buf
}

// DecodeJoin parses a JOIN payload.
func DecodeJoin(payload []byte) (clientID uint32, nonce, version uint8, err error) {
	if len(payload) < 6 {
		return 0, 0, 0, &ParseError{Kind: ErrMalformedPayload, OffendingBytes: payload}
	}
	return binary.BigEndian.Uint32(payload[0:4]), payload[4], payload[5], nil
}

// --- CHALLENGE (9) ---

// EncodeChallenge serializes timestamp(8)·cookie(32).
func EncodeChallenge(timestamp uint64, cookie [32]byte) []byte {
	buf := make([]byte, 40)
	binary.BigEndian.PutUint64(buf[0:8], timestamp)
	copy(buf[8:40], cookie[:])
	return buf
}

// DecodeChallenge parses a CHALLENGE payload.
func DecodeChallenge(payload []byte) (timestamp uint64, cookie [32]byte, err error) {
	if len(payload) < 40 {
		return 0, cookie, &ParseError{Kind: ErrMalformedPayload, OffendingBytes: payload}
	}
	timestamp = binary.BigEndian.Uint64(payload[0:8])
	copy(cookie[:], payload[8:40])
	return timestamp, cookie, nil
}

// --- AUTH (10) ---

// EncodeAuth serializes nonce(1)·cookie(32).
func EncodeAuth(nonce uint8, cookie [32]byte) []byte {
	buf := make([]byte, 33)
	buf[0] = nonce
	copy(buf[1:33], cookie[:])
	return buf
}

// DecodeAuth parses an AUTH payload.
func DecodeAuth(payload []byte) (nonce uint8, cookie [32]byte, err error) {
	if len(payload) < 33 {
		return 0, cookie, &ParseError{Kind: ErrMalformedPayload, OffendingBytes: payload}
	}
	nonce = payload[0]
	copy(cookie[:], payload[1:33])
	return nonce, cookie, nil
}

// --- AUTH_OK (11) ---

// EncodeAuthOK serializes client_id(4)·session_key(8).
func EncodeAuthOK(clientID uint32, sessionKey [8]byte) []byte {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint32(buf[0:4], clientID)
	copy(buf[4:12], sessionKey[:])
	return buf
}

// DecodeAuthOK parses an AUTH_OK payload.
func DecodeAuthOK(payload []byte) (clientID uint32, sessionKey [8]byte, err error) {
	if len(payload) < 12 {
		return 0, sessionKey, &ParseError{Kind: ErrMalformedPayload, OffendingBytes: payload}
	}
	clientID = binary.BigEndian.Uint32(payload[0:4])
	copy(sessionKey[:], payload[4:12])
	return clientID, sessionKey, nil
}
