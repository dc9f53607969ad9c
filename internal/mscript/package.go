package mscript

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// VarPotential and VarCurrent are the identifiers the session keeps.
	VarPotential = "da"
	VarCurrent   = "ba"

	idLength       = 2
	metadataOffset = idLength + ValueLength // ',' that introduces metadata
)

// Variable is one decoded item of a data package.
type Variable struct {
	ID     string
	Value  float64
	Status *ReadingStatus
	Range  *CurrentRange
	Noise  *string
}

// VarType describes a variable identifier.
type VarType struct {
	ID   string
	Name string
	Unit string
}

var varTypes = map[string]VarType{
	"aa": {"aa", "unknown", ""},
	"ab": {"ab", "WE vs RE potential", "V"},
	"ac": {"ac", "CE potential", "V"},
	"ae": {"ae", "RE potential", "V"},
	"ag": {"ag", "WE vs CE potential", "V"},
	"as": {"as", "AIN0 potential", "V"},
	"at": {"at", "AIN1 potential", "V"},
	"au": {"au", "AIN2 potential", "V"},
	"ba": {"ba", "WE current", "A"},
	"ca": {"ca", "Phase", "Degrees"},
	"cb": {"cb", "Impedance", "Ohm"},
	"cc": {"cc", "ZReal", "Ohm"},
	"cd": {"cd", "ZImag", "Ohm"},
	"da": {"da", "Applied potential", "V"},
	"db": {"db", "Applied current", "A"},
	"dc": {"dc", "Applied frequency", "Hz"},
	"dd": {"dd", "Applied AC amplitude", "Vrms"},
	"eb": {"eb", "Time", "s"},
	"ec": {"ec", "Pin mask", ""},
	"ja": {"ja", "Misc. generic 1", ""},
	"jb": {"jb", "Misc. generic 2", ""},
	"jc": {"jc", "Misc. generic 3", ""},
	"jd": {"jd", "Misc. generic 4", ""},
}

// LookupVarType returns the catalogue entry for an identifier.
func LookupVarType(id string) (VarType, bool) {
	vt, ok := varTypes[id]
	return vt, ok
}

// ParsePackage decodes a 'P' line into its variables, in wire order. A field
// that fails to decode is dropped and parsing continues with the next one;
// the dropped fields are reported through the joined error, so a non-nil
// error may accompany a non-empty result.
func ParsePackage(line Line) ([]Variable, error) {
	if Classify(line) != ReplyPackage {
		return nil, fmt.Errorf("%w: not a package line: %q", ErrUnexpectedLine, line.String())
	}
	body := strings.TrimRight(line.String()[1:], "\r")
	if body == "" {
		return nil, malformed(line.String(), "empty package")
	}

	var (
		vars []Variable
		errs []error
	)
	for _, field := range strings.Split(body, ";") {
		v, err := ParseVariable(field)
		if err != nil {
			errs = append(errs, err)
		}
		if v.ID != "" {
			vars = append(vars, v)
		}
	}
	return vars, errors.Join(errs...)
}

// ParseVariable decodes one ';' separated field: a two character identifier,
// an 8 character value and optional ',' separated metadata. A rejected field
// yields the zero Variable. Metadata sub-fields with an unrecognized type are
// skipped: the Variable is returned together with an error that matches
// ErrUnknownMetadata.
func ParseVariable(field string) (Variable, error) {
	if len(field) < metadataOffset {
		return Variable{}, malformed(field, "expected at least %d characters", metadataOffset)
	}
	value, err := DecodeValue(field[idLength:metadataOffset])
	if err != nil {
		return Variable{}, err
	}
	v := Variable{ID: field[:idLength], Value: value}

	rest := field[metadataOffset:]
	if rest == "" {
		return v, nil
	}
	if rest[0] != ',' {
		return Variable{}, malformed(field, "unexpected %q after value", rest[0])
	}
	facts, err := DecodeMetadata(rest[1:])
	if err != nil {
		err = fmt.Errorf("variable %s: %w", v.ID, err)
		if !onlyUnknownMetadata(err) {
			return Variable{}, err
		}
	}
	v.apply(facts)
	return v, err
}

// onlyUnknownMetadata reports whether every error joined in err is an
// unrecognized metadata tag.
func onlyUnknownMetadata(err error) bool {
	switch e := err.(type) {
	case *DecodeError:
		return errors.Is(e.Err, ErrUnknownMetadata)
	case interface{ Unwrap() []error }:
		for _, inner := range e.Unwrap() {
			if !onlyUnknownMetadata(inner) {
				return false
			}
		}
		return true
	}
	if wrapped := errors.Unwrap(err); wrapped != nil {
		return onlyUnknownMetadata(wrapped)
	}
	return false
}
