// Package calibration owns Layer 4 (Session) of the DVS calibration data
// model.
//
// Responsibilities: the calibration session state machine (IDLE, SEARCHING,
// DONE), per-camera transition maps and the detection cycle that turns them
// into pattern observations, liveness diagnostics, and handing the
// accumulated observations to an injected Estimator on save.
//
// The controller is agnostic to camera count. A Variant decides which
// cameras are required and runs cross-camera checks; an Estimator turns the
// observation set into camera parameters; a ResultSink persists the result.
//
// Dependency rule: L4 depends on L1 (Events), L2 (Transitions), L3 (Pattern),
// the tuning config and timeutil. Transports and storage depend on L4, never
// the reverse.
package calibration
