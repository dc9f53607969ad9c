package session

import "github.com/banshee-data/emstat/internal/mscript"

// Event is emitted by a Session as replies are consumed and requests handled.
// Consumers switch on the concrete type.
type Event interface {
	isEvent()
}

// Reading is one decoded data package. Voltage and Current are NaN when the
// package did not carry them.
type Reading struct {
	// Index counts packages since the script was sent, starting at 1.
	Index   int
	Voltage float64
	Current float64
	// Status and Range annotate the current, when the device reported them.
	Status    *mscript.ReadingStatus
	Range     *mscript.CurrentRange
	Variables []mscript.Variable
}

// HasVoltage reports whether the package carried a potential.
func (r Reading) HasVoltage() bool { return r.hasVar(mscript.VarPotential) }

// HasCurrent reports whether the package carried a current.
func (r Reading) HasCurrent() bool { return r.hasVar(mscript.VarCurrent) }

func (r Reading) hasVar(id string) bool {
	for _, v := range r.Variables {
		if v.ID == id {
			return true
		}
	}
	return false
}

type (
	// StateChanged reports every AppState transition.
	StateChanged struct {
		From, To AppState
	}

	// DeviceVerified is emitted when the version response carries a known
	// signature.
	DeviceVerified struct {
		Version string
	}

	// DeviceRejected is emitted when verification fails. Err matches
	// ErrVerificationFailed.
	DeviceRejected struct {
		Version string
		Err     error
	}

	// ScriptSent is emitted once every line of a script was written.
	ScriptSent struct {
		Lines int
	}

	// MeasurementStarted is emitted for each measurement loop header.
	MeasurementStarted struct{}

	// ReadingAdded is emitted for each data package.
	ReadingAdded struct {
		Reading
	}

	// MeasurementEnded is emitted when the device finishes a script, with the
	// number of packages received since it was sent.
	MeasurementEnded struct {
		Count int
	}

	// MeasurementAborted is emitted when the device acknowledges an abort.
	MeasurementAborted struct {
		Count int
	}

	// TransportError reports a failed read or write. Err matches
	// ErrTransport.
	TransportError struct {
		Err error
	}

	// Diagnostic reports non-fatal problems: undecodable fields, unexpected
	// lines and refused requests.
	Diagnostic struct {
		Line string
		Err  error
	}
)

func (StateChanged) isEvent()       {}
func (DeviceVerified) isEvent()     {}
func (DeviceRejected) isEvent()     {}
func (ScriptSent) isEvent()         {}
func (MeasurementStarted) isEvent() {}
func (ReadingAdded) isEvent()       {}
func (MeasurementEnded) isEvent()   {}
func (MeasurementAborted) isEvent() {}
func (TransportError) isEvent()     {}
func (Diagnostic) isEvent()         {}
