package mscript

import (
	"slices"
	"strings"
	"testing"
)

var sampleReply = []string{
	"e\n",
	"M0000\n",
	"Pda7F85F3Fu;ba48D4927p,10,288\n",
	"Pda7F8A3A8u;ba4A5CE0Dp,10,288\n",
	"*\n",
	"\n",
}

func TestLineAssembler_WholeBuffer(t *testing.T) {
	a := NewLineAssembler()
	got := slices.Collect(a.Feed([]byte(strings.Join(sampleReply, ""))))

	if len(got) != len(sampleReply) {
		t.Fatalf("got %d lines, want %d", len(got), len(sampleReply))
	}
	for i, l := range got {
		if string(l) != sampleReply[i] {
			t.Errorf("line %d = %q, want %q", i, l, sampleReply[i])
		}
	}
	if p := a.Pending(); len(p) != 0 {
		t.Errorf("pending = %q, want empty", p)
	}
}

func TestLineAssembler_ByteAtATime(t *testing.T) {
	a := NewLineAssembler()
	var got []Line
	for _, b := range []byte(strings.Join(sampleReply, "")) {
		for l := range a.Feed([]byte{b}) {
			got = append(got, l)
		}
	}

	want := make([]Line, len(sampleReply))
	for i, s := range sampleReply {
		want[i] = Line(s)
	}
	if !slices.Equal(got, want) {
		t.Errorf("byte-at-a-time lines = %q, want %q", got, want)
	}
}

func TestLineAssembler_ArbitraryFragments(t *testing.T) {
	input := []byte(strings.Join(sampleReply, ""))
	for _, size := range []int{2, 3, 5, 7, 11, 64} {
		a := NewLineAssembler()
		var got []string
		for off := 0; off < len(input); off += size {
			end := min(off+size, len(input))
			for l := range a.Feed(input[off:end]) {
				got = append(got, string(l))
			}
		}
		if !slices.Equal(got, sampleReply) {
			t.Errorf("chunk size %d: got %q", size, got)
		}
	}
}

func TestLineAssembler_KeepsPartialLine(t *testing.T) {
	a := NewLineAssembler()
	if n := len(slices.Collect(a.Feed([]byte("tespico")))); n != 0 {
		t.Fatalf("got %d lines from partial input", n)
	}
	if got := string(a.Pending()); got != "tespico" {
		t.Errorf("pending = %q", got)
	}
	got := slices.Collect(a.Feed([]byte("1.2\n*")))
	if len(got) != 1 || got[0] != "tespico1.2\n" {
		t.Errorf("got %q", got)
	}
	if got := string(a.Pending()); got != "*" {
		t.Errorf("pending = %q, want %q", got, "*")
	}
}

func TestLineAssembler_RestartAfterEarlyStop(t *testing.T) {
	a := NewLineAssembler()
	var first []Line
	for l := range a.Feed([]byte("M0000\nPda8000000 \n*\n")) {
		first = append(first, l)
		break
	}
	if len(first) != 1 || first[0] != "M0000\n" {
		t.Fatalf("first = %q", first)
	}

	rest := slices.Collect(a.Feed(nil))
	want := []Line{"Pda8000000 \n", "*\n"}
	if !slices.Equal(rest, want) {
		t.Errorf("rest = %q, want %q", rest, want)
	}
}

func TestLineAssembler_LongLine(t *testing.T) {
	a := NewLineAssembler()
	long := strings.Repeat("x", 1<<16)
	for i := 0; i < len(long); i += 100 {
		for range a.Feed([]byte(long[i:min(i+100, len(long))])) {
			t.Fatal("unexpected line before delimiter")
		}
	}
	got := slices.Collect(a.Feed([]byte{'\n'}))
	if len(got) != 1 || len(got[0]) != len(long)+1 {
		t.Fatalf("got %d lines", len(got))
	}
}

func TestLineAssembler_Reset(t *testing.T) {
	a := NewLineAssembler()
	for range a.Feed([]byte("half a li")) {
	}
	a.Reset()
	got := slices.Collect(a.Feed([]byte("ne\n")))
	if len(got) != 1 || got[0] != "ne\n" {
		t.Errorf("got %q", got)
	}
}

func TestLine_String(t *testing.T) {
	tests := []struct {
		in   Line
		want string
	}{
		{"M0000\n", "M0000"},
		{"\n", ""},
		{"", ""},
		{"no delimiter", "no delimiter"},
	}
	for _, tt := range tests {
		if got := tt.in.String(); got != tt.want {
			t.Errorf("Line(%q).String() = %q, want %q", tt.in, got, tt.want)
		}
	}
}
