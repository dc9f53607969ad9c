package mscript

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

const (
	// ValueLength is the width of an encoded value: 7 hex digits and one SI
	// prefix character.
	ValueLength = 8

	// ValueOffset biases the encoded integer so the device only sends
	// unsigned digits.
	ValueOffset = 0x8000000

	nanSentinel = "     nan"
)

// ErrMalformed marks a field that could not be decoded.
var ErrMalformed = errors.New("malformed field")

// ErrUnknownMetadata marks a metadata sub-field whose type tag is not
// recognized. The sub-field is skipped; the variable it annotates is kept.
var ErrUnknownMetadata = errors.New("unknown metadata type")

// DecodeError describes a value or metadata field that was rejected.
type DecodeError struct {
	Field  string
	Reason string
	// Err optionally classifies the failure further.
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("malformed field %q: %s", e.Field, e.Reason)
}

// Unwrap lets errors.Is match ErrMalformed and Err.
func (e *DecodeError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrMalformed, e.Err}
	}
	return []error{ErrMalformed}
}

func malformed(field, format string, args ...any) *DecodeError {
	return &DecodeError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// siPrefixFactors maps the trailing prefix character of a value to its
// multiplier. 'i' marks a plain integer.
var siPrefixFactors = map[byte]float64{
	'a': 1e-18,
	'f': 1e-15,
	'p': 1e-12,
	'n': 1e-9,
	'u': 1e-6,
	'm': 1e-3,
	' ': 1.0,
	'i': 1.0,
	'k': 1e3,
	'K': 1e3,
	'M': 1e6,
	'G': 1e9,
	'T': 1e12,
	'P': 1e15,
	'E': 1e18,
}

// SIPrefixFactor returns the multiplier for an SI prefix character.
func SIPrefixFactor(prefix byte) (float64, bool) {
	f, ok := siPrefixFactors[prefix]
	return f, ok
}

// DecodeValue converts an 8 character encoded value into a float. The first
// seven characters are a hex integer offset by ValueOffset; the eighth is an
// SI prefix. The firmware's "     nan" placeholder decodes to NaN.
func DecodeValue(field string) (float64, error) {
	if len(field) != ValueLength {
		return 0, malformed(field, "expected %d characters, got %d", ValueLength, len(field))
	}
	if field == nanSentinel || strings.TrimSpace(field) == "nan" {
		return math.NaN(), nil
	}

	// The prefix is split off before parsing: 'a', 'f' and 'E' are valid hex
	// digits too.
	digits, prefix := field[:ValueLength-1], field[ValueLength-1]
	factor, ok := siPrefixFactors[prefix]
	if !ok {
		return 0, malformed(field, "unknown SI prefix %q", prefix)
	}
	raw, err := strconv.ParseUint(digits, 16, 32)
	if err != nil {
		return 0, malformed(field, "invalid hex %q", digits)
	}
	return float64(int64(raw)-ValueOffset) * factor, nil
}

// EncodeValue is the inverse of DecodeValue: it renders v as an 8 character
// field with the given SI prefix, rounding to the prefix resolution. NaN
// encodes as the firmware placeholder.
func EncodeValue(v float64, prefix byte) (string, error) {
	if math.IsNaN(v) {
		return nanSentinel, nil
	}
	factor, ok := siPrefixFactors[prefix]
	if !ok {
		return "", fmt.Errorf("unknown SI prefix %q", prefix)
	}
	raw := math.Round(v/factor) + ValueOffset
	if raw < 0 || raw > 0xFFFFFFF {
		return "", fmt.Errorf("value %g out of range for prefix %q", v, prefix)
	}
	return fmt.Sprintf("%07X%c", int64(raw), prefix), nil
}
