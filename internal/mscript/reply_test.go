package mscript

import (
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		line Line
		want ReplyKind
	}{
		{"tespico1.2\n", ReplyVersion},
		{"e\n", ReplyEcho},
		{"M0000\n", ReplyMeasuring},
		{"Pda8000000 \n", ReplyPackage},
		{"*\n", ReplyLoopEnd},
		{"\n", ReplyEmptyLine},
		{"Z\n", ReplyAborted},
		{"!0004\n", ReplyUnknown},
		{"B\n", ReplyUnknown},
		{"", ReplyUnknown},
	}
	for _, tt := range tests {
		if got := Classify(tt.line); got != tt.want {
			t.Errorf("Classify(%q) = %v, want %v", tt.line, got, tt.want)
		}
	}
}

func TestClassify_Total(t *testing.T) {
	known := map[byte]ReplyKind{
		't': ReplyVersion, 'e': ReplyEcho, 'M': ReplyMeasuring, 'P': ReplyPackage,
		'*': ReplyLoopEnd, '\n': ReplyEmptyLine, 'Z': ReplyAborted,
	}
	for c := 0; c < 256; c++ {
		got := Classify(Line([]byte{byte(c), '\n'}))
		want, ok := known[byte(c)]
		if !ok {
			want = ReplyUnknown
		}
		if got != want {
			t.Errorf("Classify(%q) = %v, want %v", byte(c), got, want)
		}
	}
}

func TestReplyKind_Marker(t *testing.T) {
	for _, k := range []ReplyKind{ReplyVersion, ReplyEcho, ReplyMeasuring, ReplyPackage, ReplyLoopEnd, ReplyEmptyLine, ReplyAborted} {
		if got := Classify(Line([]byte{k.Marker(), '\n'})); got != k {
			t.Errorf("marker %q of %v classifies as %v", k.Marker(), k, got)
		}
	}
	if m := ReplyUnknown.Marker(); m != 0 {
		t.Errorf("ReplyUnknown.Marker() = %q, want 0", m)
	}
}

func TestReplyKind_String(t *testing.T) {
	if got := ReplyLoopEnd.String(); got != "loop_end" {
		t.Errorf("got %q", got)
	}
	if got := ReplyKind(42).String(); got != "ReplyKind(42)" {
		t.Errorf("got %q", got)
	}
}
