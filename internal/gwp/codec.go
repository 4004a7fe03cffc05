package gwp

import (
	"encoding/binary"
	"fmt"
	"net"
)

// ParseHeader decodes the 5-byte GWP header at the start of buf. It
// validates magic and version first: a mismatch is reported as a
// drop-silently ParseError and MUST NOT be treated as a countable parse
// error by the caller.
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
	return Header{Flags: Flags(buf[3]), Cmd: Cmd(buf[4])}, nil
}

func encodeHeader(flags Flags, cmd Cmd, payloadLen int) []byte {
	buf := make([]byte, HeaderSize+payloadLen)
	binary.BigEndian.PutUint16(buf[0:2], Magic)
	buf[2] = Version
	buf[3] = byte(flags)
	buf[4] = byte(cmd)
	return buf
}

// ip16 normalizes an IP to its 16-byte form, mapping IPv4 addresses into
// the ::ffff:a.b.c.d representation
func ip16(ip net.IP) [16]byte {
	var out [16]byte
	v6 := ip.To16()
	copy(out[:], v6)
	return out
}

// --- JOIN (1) ---

// BuildJoinReq encodes a client→gateway JOIN request.
func BuildJoinReq(gameID uint32) []byte {
	buf := encodeHeader(0, CmdJoin, 4)
	binary.BigEndian.PutUint32(buf[HeaderSize:], gameID)
	return buf
}

// ParseJoinReq decodes a JOIN request payload (after the header).
func ParseJoinReq(payload []byte) (gameID uint32, err error) {
	if len(payload) < 4 {
		return 0, &ParseError{Kind: ErrMalformedPayload, OffendingBytes: payload}
	}
	return binary.BigEndian.Uint32(payload), nil
}

// BuildJoinResp encodes the gateway's successful JOIN response: the
// game's id and the game server endpoint the client should connect to.
func BuildJoinResp(gameID uint32, ip net.IP, port uint16) []byte {
	buf := encodeHeader(0, CmdJoin, 22)
	body := buf[HeaderSize:]
	binary.BigEndian.PutUint32(body[0:4], gameID)
	ipb := ip16(ip)
	copy(body[4:20], ipb[:])
	binary.BigEndian.PutUint16(body[20:22], port)
	return buf
}

// ParseJoinResp decodes a successful JOIN response payload.
func ParseJoinResp(payload []byte) (gameID uint32, ip net.IP, port uint16, err error) {
	if len(payload) < 22 {
		return 0, nil, 0, &ParseError{Kind: ErrMalformedPayload, OffendingBytes: payload}
	}
	gameID = binary.BigEndian.Uint32(payload[0:4])
	ip = net.IP(append([]byte(nil), payload[4:20]...))
	port = binary.BigEndian.Uint16(payload[20:22])
	return gameID, ip, port, nil
}

// BuildJoinKO encodes JOIN_KO (2), no payload.
func BuildJoinKO() []byte { return encodeHeader(0, CmdJoinKO, 0) }

// --- CREATE (3) ---

// BuildCreate encodes a CREATE request/forward: gametype(1).
func BuildCreate(gametype uint8) []byte {
	buf := encodeHeader(0, CmdCreate, 1)
	buf[HeaderSize] = gametype
	return buf
}

// ParseCreate decodes a CREATE payload.
func ParseCreate(payload []byte) (gametype uint8, err error) {
	if len(payload) < 1 {
		return 0, &ParseError{Kind: ErrMalformedPayload, OffendingBytes: payload}
	}
	return payload[0], nil
}

// BuildCreateKO encodes CREATE_KO (4), no payload.
func BuildCreateKO() []byte { return encodeHeader(0, CmdCreateKO, 0) }

// --- GAME_END (5) ---

// BuildGameEnd encodes GAME_END: game_id(4).
func BuildGameEnd(gameID uint32) []byte {
	buf := encodeHeader(0, CmdGameEnd, 4)
	binary.BigEndian.PutUint32(buf[HeaderSize:], gameID)
	return buf
}

// ParseGameEnd decodes a GAME_END payload.
func ParseGameEnd(payload []byte) (gameID uint32, err error) {
	if len(payload) < 4 {
		return 0, &ParseError{Kind: ErrMalformedPayload, OffendingBytes: payload}
	}
	return binary.BigEndian.Uint32(payload), nil
}

// --- GS (20) ---

// BuildGS encodes a game server's registration announcement: ip(16)·port(2).
func BuildGS(ip net.IP, port uint16) []byte {
	buf := encodeHeader(0, CmdGS, 18)
	body := buf[HeaderSize:]
	ipb := ip16(ip)
	copy(body[0:16], ipb[:])
	binary.BigEndian.PutUint16(body[16:18], port)
	return buf
}

// ParseGS decodes a GS registration payload.
func ParseGS(payload []byte) (ip net.IP, port uint16, err error) {
	if len(payload) < 18 {
		return nil, 0, &ParseError{Kind: ErrMalformedPayload, OffendingBytes: payload}
	}
	ip = net.IP(append([]byte(nil), payload[0:16]...))
	port = binary.BigEndian.Uint16(payload[16:18])
	return ip, port, nil
}

// BuildGSOK encodes GS_OK (21), no payload.
func BuildGSOK() []byte { return encodeHeader(0, CmdGSOK, 0) }

// BuildGSKO encodes GS_KO (22), no payload.
func BuildGSKO() []byte { return encodeHeader(0, CmdGSKO, 0) }

// --- OCCUPANCY (23) ---

// BuildOccupancy encodes an occupancy report: occupancy(1).
func BuildOccupancy(occupancy uint8) []byte {
	buf := encodeHeader(0, CmdOccupancy, 1)
	buf[HeaderSize] = occupancy
	return buf
}

// ParseOccupancy decodes an OCCUPANCY payload.
func ParseOccupancy(payload []byte) (occupancy uint8, err error) {
	if len(payload) < 1 {
		return 0, &ParseError{Kind: ErrMalformedPayload, OffendingBytes: payload}
	}
	return payload[0], nil
}

// --- GID (24) ---

// BuildGID encodes a GID batch registration: len(1)·game_id(4)×len.
func BuildGID(gameIDs []uint32) ([]byte, error) {
	if len(gameIDs) > 0xff {
		return nil, fmt.Errorf("gwp: too many game ids (%d > 255)", len(gameIDs))
	}
	buf := encodeHeader(0, CmdGID, 1+4*len(gameIDs))
	body := buf[HeaderSize:]
	body[0] = byte(len(gameIDs))
	for i, id := range gameIDs {
		binary.BigEndian.PutUint32(body[1+4*i:5+4*i], id)
	}
	return buf, nil
}

// ParseGID decodes a GID batch payload.
func ParseGID(payload []byte) ([]uint32, error) {
	if len(payload) < 1 {
		return nil, &ParseError{Kind: ErrMalformedPayload, OffendingBytes: payload}
	}
	n := int(payload[0])
	if len(payload) < 1+4*n {
		return nil, &ParseError{Kind: ErrMalformedPayload, OffendingBytes: payload}
	}
	ids := make([]uint32, n)
	for i := 0; i < n; i++ {
		ids[i] = binary.BigEndian.Uint32(payload[1+4*i : 5+4*i])
	}
	return ids, nil
}
