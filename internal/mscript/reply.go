package mscript

import (
	"errors"
	"fmt"
)

// ReplyKind tags a line by its leading marker character.
type ReplyKind int

const (
	ReplyUnknown   ReplyKind = iota
	ReplyVersion             // 't'
	ReplyEcho                // 'e'
	ReplyMeasuring           // 'M'
	ReplyPackage             // 'P'
	ReplyLoopEnd             // '*'
	ReplyEmptyLine           // '\n'
	ReplyAborted             // 'Z'
)

// ErrUnexpectedLine is reported for lines whose marker is not part of the
// protocol. It is never fatal.
var ErrUnexpectedLine = errors.New("unexpected line")

var replyMarkers = map[byte]ReplyKind{
	't':       ReplyVersion,
	'e':       ReplyEcho,
	'M':       ReplyMeasuring,
	'P':       ReplyPackage,
	'*':       ReplyLoopEnd,
	Delimiter: ReplyEmptyLine,
	'Z':       ReplyAborted,
}

// Classify returns the kind of line. It is total: any line, including the
// zero-length one, maps to exactly one kind.
func Classify(line Line) ReplyKind {
	if len(line) == 0 {
		return ReplyUnknown
	}
	if k, ok := replyMarkers[line[0]]; ok {
		return k
	}
	return ReplyUnknown
}

// Marker returns the leading character for the kind, or 0 for ReplyUnknown.
func (k ReplyKind) Marker() byte {
	for m, kind := range replyMarkers {
		if kind == k {
			return m
		}
	}
	return 0
}

func (k ReplyKind) String() string {
	switch k {
	case ReplyVersion:
		return "version"
	case ReplyEcho:
		return "echo"
	case ReplyMeasuring:
		return "measuring"
	case ReplyPackage:
		return "package"
	case ReplyLoopEnd:
		return "loop_end"
	case ReplyEmptyLine:
		return "empty_line"
	case ReplyAborted:
		return "aborted"
	case ReplyUnknown:
		return "unknown"
	default:
		return fmt.Sprintf("ReplyKind(%d)", int(k))
	}
}
