// Package l1events owns Layer 1 (Events) of the DVS calibration data model.
//
// Responsibilities: the event and pixel types shared by every layer, eDVS
// serial byte-stream decoding, the DVSB UDP datagram codec, live sources
// (serial, UDP), PCAP replay and a synthetic blinking-board generator. This
// layer produces event batches consumed by L2 (Transitions).
//
// Dependency rule: L1 has no inward dependencies on higher layers.
package l1events
