package mscript

import (
	"bufio"
	"io"
	"iter"
	"strings"
)

// Commands understood by the device.
const (
	CmdFlush   = "\n"  // clears a partially received command on the device
	CmdVersion = "t\n" // version query, answered by 't' lines and a '*' terminator
	CmdAbort   = "Z\n" // aborts the running script
)

// DefaultSignatures are the version substrings that identify an EmStat Pico.
var DefaultSignatures = []string{"espico"}

// ScriptLines yields the lines of a MethodSCRIPT source, each terminated with
// exactly one newline. Carriage returns are stripped. The script text is not
// interpreted. A read error is yielded once, after which iteration stops.
func ScriptLines(r io.Reader) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 0, 4096), 1<<20)
		for sc.Scan() {
			line := strings.TrimRight(sc.Text(), "\r") + string(Delimiter)
			if !yield(line, nil) {
				return
			}
		}
		if err := sc.Err(); err != nil {
			yield("", err)
		}
	}
}

// HasSignature reports whether a version response contains any of the given
// signatures.
func HasSignature(response string, signatures []string) bool {
	for _, sig := range signatures {
		if sig != "" && strings.Contains(response, sig) {
			return true
		}
	}
	return false
}
