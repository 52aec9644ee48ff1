// Package bufferlink is the host side of buffered event streaming to a
// many-core board.
//
// Cores on the board consume scheduled events from receive regions and record
// results into circular buffers. Neither fits in core memory for a long run, so
// the host keeps both topped up over the network: it refills receive regions
// as cores report free space, and drains recording buffers as cores ask for
// it. Both directions run over EIEIO commands framed in SDP datagrams.
//
// # Layout
//
// Wire formats:
//   - eieio: data messages and the buffering command set
//   - sdp: the datagram header that carries them to a core port
//
// Protocol state:
//   - sending: packs events into messages, the initial region image, the
//     sliding window of unacknowledged messages
//   - recording: recording header and channel state decoding, unread ranges
//   - receiving: sequence and acknowledgement bookkeeping over a backend
//   - buffermanager: ties the above to a board and runs the exchange
//
// Infrastructure:
//   - transport: interfaces to the board, with scp (memory and datagrams) and
//     udp (listeners for board traffic) implementations
//   - storage: backends for recovered data: memstore, badgerstore, objectstore
//   - natsclient: NATS connection management for objectstore
//   - config, metric, health, errors, pkg/retry, pkg/worker
//
// The bufferd command wires everything from a YAML or JSON file.
//
// # Running
//
//	go build -o bin/bufferd ./cmd/bufferd
//	./bin/bufferd --config configs/bufferd.yaml --out ./recordings
//
// Send SIGINT or SIGTERM to end the run. bufferd stops accepting traffic,
// drains every recorded region and writes it to <out>/<x>_<y>_<p>_<region>.bin.
package bufferlink
