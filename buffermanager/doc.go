// Package buffermanager streams buffered events to cores during a run and
// recovers recorded data from them, both while the run progresses and after it
// stops.
//
// # Outbound
//
// Every send region gets a cursor over its event source. LoadInitialBuffers
// writes the first image of each region straight into core memory. After that,
// a core announces free space with a SpaceAvailable command; the manager
// acknowledges what the sequence number says was consumed, packs new messages
// into the freed space and sends everything still unacknowledged, oldest
// first. Once a region runs out of events it receives one stop message and
// then StopRequests for as long as it keeps asking.
//
// # Inbound
//
// A recording core asks for its data with a ReadRequest. The manager answers
// immediately with a lightweight ack, then a single drain worker reads the
// ranges, stores them and sends the full ReadAck. A request that repeats the
// last accepted sequence number gets the stored ack again, byte for byte, and
// nothing is read twice.
//
// After the run, GetDataForVertex and GetDataForVertices read what each region
// still holds. If the core stopped before applying the last ack, the ack is
// replayed onto the stored buffer state first so no byte is recovered twice.
//
// # Usage
//
//	m, err := buffermanager.New(ctx, buffermanager.Config{}, buffermanager.Deps{
//		Transceiver: scpConn,
//		Regions:     regionTable,
//		NewBackend:  func(context.Context, string) (storage.Backend, error) { return memstore.New(), nil },
//		Listeners:   udpFactory,
//		Trigger:     udpFactory,
//	})
//	if err != nil {
//		return err
//	}
//	defer m.Close()
//
//	_ = m.AddSender(ctx, core, sender)
//	_ = m.LoadInitialBuffers(ctx)
//	_ = m.Start(ctx)
//	// ... run ...
//	m.Stop()
//	data, err := m.GetDataForVertex(ctx, core, 0)
package buffermanager
