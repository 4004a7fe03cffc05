package ioloop

import (
	"testing"

	"github.com/mbarleon-org/R-Type-Server/internal/gwp"
)

func TestFrameLenJoinDependsOnRole(t *testing.T) {
	hdr := gwp.Header{Cmd: gwp.CmdJoin}

	total, needMore := frameLen(hdr, roleUnknown, nil)
	if needMore || total != 9 {
		t.Fatalf("client JOIN: want total=9 needMore=false, got total=%d needMore=%v", total, needMore)
	}

	total, needMore = frameLen(hdr, roleGS, nil)
	if needMore || total != 27 {
		t.Fatalf("GS JOIN reply: want total=27 needMore=false, got total=%d needMore=%v", total, needMore)
	}
}

func TestFrameLenGIDWaitsForLengthByte(t *testing.T) {
	hdr := gwp.Header{Cmd: gwp.CmdGID}
	accum := make([]byte, gwp.HeaderSize) // header only, length byte not yet arrived

	_, needMore := frameLen(hdr, roleUnknown, accum)
	if !needMore {
		t.Fatal("GID framing must wait for the length byte before computing total size")
	}

	accum = append(accum, 2) // len=2 game ids
	total, needMore := frameLen(hdr, roleUnknown, accum)
	if needMore {
		t.Fatal("GID framing must not need more once the length byte has arrived")
	}
	if want := gwp.HeaderSize + 1 + 4*2; total != want {
		t.Fatalf("GID total = %d, want %d", total, want)
	}
}

func TestFrameLenFixedSizeCommands(t *testing.T) {
	cases := []struct {
		cmd  gwp.Cmd
		want int
	}{
		{gwp.CmdJoinKO, 5},
		{gwp.CmdCreate, 6},
		{gwp.CmdCreateKO, 5},
		{gwp.CmdGameEnd, 9},
		{gwp.CmdGS, 23},
		{gwp.CmdGSOK, 5},
		{gwp.CmdGSKO, 5},
		{gwp.CmdOccupancy, 6},
	}
	for _, c := range cases {
		total, needMore := frameLen(gwp.Header{Cmd: c.cmd}, roleUnknown, nil)
		if needMore || total != c.want {
			t.Errorf("%s: total=%d needMore=%v, want total=%d needMore=false", c.cmd, total, needMore, c.want)
		}
	}
}

func TestFrameLenUnknownCommandIsFatal(t *testing.T) {
	total, needMore := frameLen(gwp.Header{Cmd: gwp.Cmd(200)}, roleUnknown, nil)
	if needMore {
		t.Fatal("unknown command must not report needMore")
	}
	if total >= 0 {
		t.Fatal("unknown command must report an unrecoverable framing size")
	}
}
