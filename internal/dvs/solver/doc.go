// Package solver adapts an external camera-calibration program to the
// calibration.Estimator interface.
//
// The program receives a Request as JSON on stdin and answers with a
// Response as JSON on stdout. Exit status 3 (or "error":"insufficient")
// means more views are needed; exit status 4 (or "error":"degenerate")
// means the views do not constrain the model. Both leave the calibration
// session open.
package solver
