// Package gwp implements the Gateway Protocol: the framed binary
// request/response protocol carried over the TCP control channel between
// clients, game servers, and the gateway.
package gwp

import "fmt"

// Magic and Version identify a well-formed GWP header.
const (
	Magic   uint16 = 0x4257
	Version uint8  = 1

	// HeaderSize is the fixed length of every GWP packet's header.
	HeaderSize = 5
)

// Cmd identifies a GWP payload layout.
type Cmd uint8

const (
	CmdJoin      Cmd = 1
	CmdJoinKO    Cmd = 2
	CmdCreate    Cmd = 3
	CmdCreateKO  Cmd = 4
	CmdGameEnd   Cmd = 5
	CmdGS        Cmd = 20
	CmdGSOK      Cmd = 21
	CmdGSKO      Cmd = 22
	CmdOccupancy Cmd = 23
	CmdGID       Cmd = 24
)

func (c Cmd) String() string {
	switch c {
	case CmdJoin:
		return "JOIN"
	case CmdJoinKO:
		return "JOIN_KO"
	case CmdCreate:
		return "CREATE"
	case CmdCreateKO:
		return "CREATE_KO"
	case CmdGameEnd:
		return "GAME_END"
	case CmdGS:
		return "GS"
	case CmdGSOK:
		return "GS_OK"
	case CmdGSKO:
		return "GS_KO"
	case CmdOccupancy:
		return "OCCUPANCY"
	case CmdGID:
		return "GID"
	default:
		return fmt.Sprintf("CMD(%d)", uint8(c))
	}
}

// Flags is the GWP header flags byte. No flag bits are currently defined;
// the field is carried unmodified so future revisions of the protocol can
// add framing bits without breaking the header layout.
type Flags uint8

// Header is the 5-byte GWP header shared by every packet.
type Header struct {
	Flags Flags
	Cmd   Cmd
}

// ErrorKind classifies why a GWP packet failed to parse.
type ErrorKind int

const (
	ErrBadMagic ErrorKind = iota
	ErrBadVersion
	ErrTruncated
	ErrUnknownCmd
	ErrMalformedPayload
)

func (k ErrorKind) String() string {
	switch k {
	case ErrBadMagic:
		return "bad_magic"
	case ErrBadVersion:
		return "bad_version"
	case ErrTruncated:
		return "truncated"
	case ErrUnknownCmd:
		return "unknown_cmd"
	case ErrMalformedPayload:
		return "malformed_payload"
	default:
		return "unknown"
	}
}

// ParseError reports a failed GWP parse along with the offending bytes,
// so the caller can log or count it without re-deriving what went wrong.
type ParseError struct {
	Kind            ErrorKind
	OffendingBytes  []byte
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("gwp: parse error (%s), %d offending bytes", e.Kind, len(e.OffendingBytes))
}

// DropSilently reports whether this error corresponds to the "drop
// silently" category (wrong magic or version), as opposed
// to a countable parse error.
func (e *ParseError) DropSilently() bool {
	return e.Kind == ErrBadMagic || e.Kind == ErrBadVersion
}
