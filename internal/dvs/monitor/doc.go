// Package monitor is the HTTP surface of the calibration daemon.
//
// It serves the control API (reset, start, save, status), debug views of
// the per-camera transition maps (go-echarts heatmaps) and of the
// accumulated observations (gonum/plot PNGs), and streams session
// diagnostics to websocket clients and an MQTT broker. Everything here
// talks to the session through the Calibrator interface and the
// calibration.Observer callbacks; nothing in this package changes how
// detection works.
package monitor
