package mscript

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ReadingStatus is the status bitmask attached to a reading. Several bits may
// be set at once.
type ReadingStatus uint8

const (
	StatusOK              ReadingStatus = 0x0
	StatusTimingError     ReadingStatus = 0x1
	StatusOverload        ReadingStatus = 0x2
	StatusUnderload       ReadingStatus = 0x4
	StatusOverloadWarning ReadingStatus = 0x8
)

var statusFlags = []struct {
	flag ReadingStatus
	name string
}{
	{StatusTimingError, "TimingError"},
	{StatusOverload, "Overload"},
	{StatusUnderload, "Underload"},
	{StatusOverloadWarning, "OverloadWarning"},
}

// Has reports whether every bit of flag is set.
func (s ReadingStatus) Has(flag ReadingStatus) bool {
	return s&flag == flag
}

// Flags returns the names of all set flags, or "OK" for a zero mask.
func (s ReadingStatus) Flags() []string {
	if s == StatusOK {
		return []string{"OK"}
	}
	var names []string
	for _, f := range statusFlags {
		if s.Has(f.flag) {
			names = append(names, f.name)
		}
	}
	if rest := s &^ (StatusTimingError | StatusOverload | StatusUnderload | StatusOverloadWarning); rest != 0 {
		names = append(names, fmt.Sprintf("0x%X", uint8(rest)))
	}
	return names
}

func (s ReadingStatus) String() string {
	return strings.Join(s.Flags(), "|")
}

// CurrentRange is the analog input range active when a current was sampled.
// Bit 0x80 of the index marks the high speed ranges.
type CurrentRange struct {
	Index int    `json:"index"`
	Name  string `json:"name"`
}

// HighSpeed reports whether the range belongs to the high speed mode.
func (r CurrentRange) HighSpeed() bool { return r.Index&0x80 != 0 }

func (r CurrentRange) String() string { return r.Name }

var currentRanges = []CurrentRange{
	{0, "100nA"},
	{1, "2uA"},
	{2, "4uA"},
	{3, "8uA"},
	{4, "16uA"},
	{5, "32uA"},
	{6, "63uA"},
	{7, "125uA"},
	{8, "250uA"},
	{9, "500uA"},
	{10, "1mA"},
	{11, "5mA"},
	{128, "100nA (High speed)"},
	{129, "1uA (High speed)"},
	{130, "6uA (High speed)"},
	{131, "13uA (High speed)"},
	{132, "25uA (High speed)"},
	{133, "50uA (High speed)"},
	{134, "100uA (High speed)"},
	{135, "200uA (High speed)"},
	{136, "1mA (High speed)"},
	{137, "5mA (High speed)"},
}

// CurrentRanges returns a copy of the static range table.
func CurrentRanges() []CurrentRange {
	return append([]CurrentRange(nil), currentRanges...)
}

// CurrentRangeByIndex looks up a range by its wire index.
func CurrentRangeByIndex(index int) (CurrentRange, bool) {
	for _, r := range currentRanges {
		if r.Index == index {
			return r, true
		}
	}
	return CurrentRange{}, false
}

// FactKind identifies the type of a metadata sub-field.
type FactKind byte

const (
	FactStatus       FactKind = '1'
	FactCurrentRange FactKind = '2'
	FactNoise        FactKind = '4'
)

// MetadataFact is one decoded annotation of a variable.
type MetadataFact struct {
	Kind   FactKind
	Status ReadingStatus
	Range  CurrentRange
	Noise  string
}

// NoiseDecoder turns the payload of a noise sub-field into its reported
// form. The firmware does not document the encoding, so the default passes
// the hex text through untouched.
type NoiseDecoder func(payload string) (string, error)

// DecodeNoise is the NoiseDecoder used by DecodeMetadata. Replace it to
// interpret noise values once their encoding is known.
var DecodeNoise NoiseDecoder = func(payload string) (string, error) {
	return payload, nil
}

// DecodeMetadata decodes the comma separated annotation sub-fields that
// follow a value. Facts that decode are returned even when others fail; the
// failures are joined in the returned error.
//
// A current range index of 0 produces no fact: the firmware uses it to mean
// that no range applies.
func DecodeMetadata(fields string) ([]MetadataFact, error) {
	var (
		facts []MetadataFact
		errs  []error
	)
	for _, sub := range strings.Split(fields, ",") {
		if sub == "" {
			continue
		}
		fact, ok, err := decodeSubField(sub)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			facts = append(facts, fact)
		}
	}
	return facts, errors.Join(errs...)
}

func decodeSubField(sub string) (MetadataFact, bool, error) {
	kind, payload := FactKind(sub[0]), sub[1:]
	switch kind {
	case FactStatus:
		if payload == "" {
			return MetadataFact{}, false, malformed(sub, "missing status mask")
		}
		mask, err := strconv.ParseUint(payload[:1], 16, 8)
		if err != nil {
			return MetadataFact{}, false, malformed(sub, "invalid status mask %q", payload[:1])
		}
		return MetadataFact{Kind: FactStatus, Status: ReadingStatus(mask)}, true, nil

	case FactCurrentRange:
		if payload == "" {
			return MetadataFact{}, false, malformed(sub, "missing current range")
		}
		idx, err := strconv.ParseUint(payload, 16, 8)
		if err != nil {
			return MetadataFact{}, false, malformed(sub, "invalid current range %q", payload)
		}
		if idx == 0 {
			return MetadataFact{}, false, nil
		}
		cr, ok := CurrentRangeByIndex(int(idx))
		if !ok {
			return MetadataFact{}, false, malformed(sub, "unknown current range index %d", idx)
		}
		return MetadataFact{Kind: FactCurrentRange, Range: cr}, true, nil

	case FactNoise:
		noise, err := DecodeNoise(payload)
		if err != nil {
			return MetadataFact{}, false, malformed(sub, "noise: %v", err)
		}
		return MetadataFact{Kind: FactNoise, Noise: noise}, true, nil

	default:
		err := malformed(sub, "unknown metadata type %q", sub[0])
		err.Err = ErrUnknownMetadata
		return MetadataFact{}, false, err
	}
}
