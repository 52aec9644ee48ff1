// Package eieio encodes and decodes the datagrams of the buffering protocol.
//
// Two families share one 16-bit little-endian header. Command messages have the
// top two bits set to 01 and carry a command id in the low 14 bits:
//
//	Padding(2) StopStreaming(3) StopRequests(4) StartRequests(5) SpaceAvailable(6)
//	SequencedData(7) ReadRequest(8) ReadAck(9) LightweightAck(12)
//
// Data messages carry events. The host only produces the timestamped 32-bit
// form: header, 16-bit key prefix, 32-bit timestamp, then one 32-bit key (and
// optional 32-bit payload) per event. A data message holds at most 255 events,
// all sharing the timestamp.
package eieio
