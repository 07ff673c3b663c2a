// Package l2transitions owns Layer 2 (Transitions) of the DVS calibration
// data model.
//
// Responsibilities: per-pixel blink classification. Every pixel remembers its
// last event; an opposite-polarity event arriving one blink period later
// (within tolerance) counts as a transition, and a pixel that accumulates
// enough transitions is classified BLINKING for the rest of the session. The
// blinking set is consumed by L3 (Pattern).
//
// Dependency rule: L2 depends only on L1 (Events) and the tuning config.
package l2transitions
