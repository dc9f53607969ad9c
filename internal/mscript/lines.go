// Package mscript decodes the line-oriented MethodSCRIPT reply protocol spoken
// by EmStat Pico potentiostats: line assembly, reply classification, package
// parsing and the hex/SI-prefix value encoding.
package mscript

import (
	"bytes"
	"iter"
)

// Delimiter terminates every protocol line.
const Delimiter = '\n'

// Line is one complete protocol line. The trailing delimiter is retained, so
// the empty line is "\n".
type Line string

// String returns the line with its delimiter removed.
func (l Line) String() string {
	if n := len(l); n > 0 && l[n-1] == Delimiter {
		return string(l[:n-1])
	}
	return string(l)
}

// LineAssembler turns a byte stream into terminated lines. It is stateful and
// resumable: bytes that do not yet form a complete line are kept until the
// delimiter arrives in a later Feed.
//
// A LineAssembler is not safe for concurrent use; it belongs to the reader
// goroutine.
type LineAssembler struct {
	buf   []byte
	start int // offset of the first unconsumed byte in buf
}

// NewLineAssembler returns an empty assembler.
func NewLineAssembler() *LineAssembler {
	return &LineAssembler{buf: make([]byte, 0, 256)}
}

// Feed appends p to the internal buffer and returns a sequence of the
// complete lines now available. The sequence is lazy: lines are consumed only
// as they are yielded, so a consumer that stops early leaves the remaining
// lines buffered for the next call to Feed.
func (a *LineAssembler) Feed(p []byte) iter.Seq[Line] {
	a.compact()
	a.buf = append(a.buf, p...)
	return func(yield func(Line) bool) {
		for {
			i := bytes.IndexByte(a.buf[a.start:], Delimiter)
			if i < 0 {
				return
			}
			end := a.start + i + 1
			line := Line(a.buf[a.start:end])
			a.start = end
			if !yield(line) {
				return
			}
		}
	}
}

// Pending returns a copy of the buffered bytes that have not been yielded.
func (a *LineAssembler) Pending() []byte {
	return bytes.Clone(a.buf[a.start:])
}

// Reset discards any buffered bytes.
func (a *LineAssembler) Reset() {
	a.buf = a.buf[:0]
	a.start = 0
}

// compact drops consumed bytes so the buffer does not grow without bound
// across long sessions. The backing array is reused.
func (a *LineAssembler) compact() {
	if a.start == 0 {
		return
	}
	n := copy(a.buf, a.buf[a.start:])
	a.buf = a.buf[:n]
	a.start = 0
}
