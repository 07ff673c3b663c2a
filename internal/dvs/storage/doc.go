// Package storage persists completed calibrations in SQLite.
//
// The schema is managed by golang-migrate from migrations embedded in the
// binary. Store implements calibration.ResultSink, so the controller writes a
// session, its observations and the estimated parameters in one transaction
// before the session closes.
package storage
