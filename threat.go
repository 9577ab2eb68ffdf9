package warden

// ThreatSignal is an environment integrity finding produced by an
// external detector and fed into the session manager. The session
// manager does not detect threats itself; it only reacts to signals by
// auditing them at CRITICAL level and ending the session.
type ThreatSignal int

const (
	// ThreatRootDetected indicates the process appears to run on a
	// rooted or jailbroken host.
	ThreatRootDetected ThreatSignal = iota

	// ThreatDebuggerAttached indicates a debugger is attached to the
	// process.
	ThreatDebuggerAttached

	// ThreatEmulatorSuspected indicates the host looks like an emulated
	// environment.
	ThreatEmulatorSuspected

	// ThreatTamperDetected indicates the application binary or its
	// runtime environment failed an integrity check.
	ThreatTamperDetected
)

func (t ThreatSignal) String() string {
	switch t {
	case ThreatRootDetected:
		return "root_detected"
	case ThreatDebuggerAttached:
		return "debugger_attached"
	case ThreatEmulatorSuspected:
		return "emulator_suspected"
	case ThreatTamperDetected:
		return "tamper_detected"
	default:
		return "unknown_threat"
	}
}
