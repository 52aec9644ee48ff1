// Package receiving keeps what the host has learned from recording cores: the
// data drained from their regions and the acknowledgement state of each core.
package receiving

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/c360/bufferlink/eieio"
	"github.com/c360/bufferlink/errors"
	"github.com/c360/bufferlink/machine"
	"github.com/c360/bufferlink/recording"
	"github.com/c360/bufferlink/storage"
)

// InitialSequenceNo is the last accepted sequence number of a core that has
// sent nothing yet, so the first request expected is 0.
const InitialSequenceNo uint8 = 255

// Store is the inbound store. Bookkeeping is cached in memory and written
// through to the backend; data goes straight to the backend.
type Store struct {
	backend storage.Backend
	logger  *slog.Logger

	mu      sync.Mutex
	cores   map[machine.Core]*storage.CoreRecord
	regions map[storage.RegionKey]*storage.RegionRecord
}

// New creates a store over backend. Records already in the backend are picked
// up on first use.
func New(backend storage.Backend, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		backend: backend,
		logger:  logger.With("component", "receiving", "backend", backend.Name()),
		cores:   make(map[machine.Core]*storage.CoreRecord),
		regions: make(map[storage.RegionKey]*storage.RegionRecord),
	}
}

// Backend returns the backend the store writes to.
func (s *Store) Backend() storage.Backend {
	return s.backend
}

// core returns the cached record of c, loading it on first use. Caller holds s.mu.
func (s *Store) core(ctx context.Context, c machine.Core) (*storage.CoreRecord, error) {
	if rec, ok := s.cores[c]; ok {
		return rec, nil
	}
	rec, ok, err := s.backend.CoreState(ctx, c)
	if err != nil {
		return nil, errors.Wrap(err, "Store", "core", "load state of core "+c.String())
	}
	if !ok {
		rec = storage.CoreRecord{LastSeq: InitialSequenceNo}
	}
	s.cores[c] = &rec
	return &rec, nil
}

// region returns the cached record of key, loading it on first use. Caller holds s.mu.
func (s *Store) region(ctx context.Context, key storage.RegionKey) (*storage.RegionRecord, error) {
	if rec, ok := s.regions[key]; ok {
		return rec, nil
	}
	rec, _, err := s.backend.State(ctx, key)
	if err != nil {
		return nil, errors.Wrap(err, "Store", "region", "load state of "+key.String())
	}
	s.regions[key] = &rec
	return &rec, nil
}

// updateCore applies fn to the record of c and writes it through.
func (s *Store) updateCore(ctx context.Context, c machine.Core, fn func(*storage.CoreRecord)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.core(ctx, c)
	if err != nil {
		return err
	}
	fn(rec)
	return s.backend.PutCoreState(ctx, c, *rec)
}

// updateRegion applies fn to the record of key and writes it through.
func (s *Store) updateRegion(ctx context.Context, key storage.RegionKey, fn func(*storage.RegionRecord)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.region(ctx, key)
	if err != nil {
		return err
	}
	fn(rec)
	return s.backend.PutState(ctx, key, *rec)
}

func (s *Store) readCore(ctx context.Context, c machine.Core) (storage.CoreRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.core(ctx, c)
	if err != nil {
		return storage.CoreRecord{}, err
	}
	return *rec, nil
}

func (s *Store) readRegion(ctx context.Context, key storage.RegionKey) (storage.RegionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.region(ctx, key)
	if err != nil {
		return storage.RegionRecord{}, err
	}
	return *rec, nil
}

// LastSequenceNo returns the sequence number of the last request accepted from core.
func (s *Store) LastSequenceNo(ctx context.Context, core machine.Core) (uint8, error) {
	rec, err := s.readCore(ctx, core)
	return rec.LastSeq, err
}

// UpdateSequenceNo records seq as the last request accepted from core.
func (s *Store) UpdateSequenceNo(ctx context.Context, core machine.Core, seq uint8) error {
	return s.updateCore(ctx, core, func(rec *storage.CoreRecord) {
		rec.LastSeq = seq
	})
}

// StoreLastReceived keeps the last request accepted from the request's core.
func (s *Store) StoreLastReceived(ctx context.Context, req eieio.ReadRequest) error {
	return s.updateCore(ctx, req.Core, func(rec *storage.CoreRecord) {
		rec.LastReceived = eieio.Encode(req)
	})
}

// LastReceived returns the last request accepted from core.
func (s *Store) LastReceived(ctx context.Context, core machine.Core) (eieio.ReadRequest, bool, error) {
	rec, err := s.readCore(ctx, core)
	if err != nil || rec.LastReceived == nil {
		return eieio.ReadRequest{}, false, err
	}
	cmd, err := eieio.DecodeCommand(rec.LastReceived)
	if err != nil {
		return eieio.ReadRequest{}, false, errors.WrapFatal(err, "Store", "LastReceived", "decode stored request")
	}
	req, ok := cmd.(eieio.ReadRequest)
	if !ok {
		return eieio.ReadRequest{}, false, errors.WrapFatal(errors.ErrInvalidData, "Store", "LastReceived",
			fmt.Sprintf("stored %s is not a read request", cmd.ID()))
	}
	return req, true, nil
}

// StoreLastSent keeps the acknowledgement last sent to core, exactly as sent.
func (s *Store) StoreLastSent(ctx context.Context, core machine.Core, ack eieio.ReadAck) error {
	return s.updateCore(ctx, core, func(rec *storage.CoreRecord) {
		rec.LastSent = eieio.Encode(ack)
	})
}

// LastSent returns the acknowledgement last sent to core and its encoded bytes.
func (s *Store) LastSent(ctx context.Context, core machine.Core) (eieio.ReadAck, []byte, bool, error) {
	rec, err := s.readCore(ctx, core)
	if err != nil || rec.LastSent == nil {
		return eieio.ReadAck{}, nil, false, err
	}
	cmd, err := eieio.DecodeCommand(rec.LastSent)
	if err != nil {
		return eieio.ReadAck{}, nil, false, errors.WrapFatal(err, "Store", "LastSent", "decode stored ack")
	}
	ack, ok := cmd.(eieio.ReadAck)
	if !ok {
		return eieio.ReadAck{}, nil, false, errors.WrapFatal(errors.ErrInvalidData, "Store", "LastSent",
			fmt.Sprintf("stored %s is not a read ack", cmd.ID()))
	}
	return ack, rec.LastSent, true, nil
}

// StoreEndSequenceNo caches the last sequence number core accepted, as read
// from its recording header after it stopped.
func (s *Store) StoreEndSequenceNo(ctx context.Context, core machine.Core, seq uint8) error {
	return s.updateCore(ctx, core, func(rec *storage.CoreRecord) {
		rec.EndSeq = seq
		rec.HasEndSeq = true
	})
}

// EndSequenceNo returns the cached end sequence number of core.
func (s *Store) EndSequenceNo(ctx context.Context, core machine.Core) (uint8, bool, error) {
	rec, err := s.readCore(ctx, core)
	return rec.EndSeq, rec.HasEndSeq, err
}

// RegionData returns the data handle of one region.
func (s *Store) RegionData(key storage.RegionKey) storage.RegionData {
	return s.backend.Region(key)
}

// StoreData appends data read while the core is still running.
func (s *Store) StoreData(ctx context.Context, key storage.RegionKey, data []byte) error {
	if err := s.backend.Region(key).Append(ctx, data); err != nil {
		return errors.Wrap(err, "Store", "StoreData", "append to "+key.String())
	}
	return nil
}

// FlushData appends the last data of a region and marks it complete.
func (s *Store) FlushData(ctx context.Context, key storage.RegionKey, data []byte) error {
	if err := s.backend.Region(key).Append(ctx, data); err != nil {
		return errors.Wrap(err, "Store", "FlushData", "append to "+key.String())
	}
	return s.updateRegion(ctx, key, func(rec *storage.RegionRecord) {
		rec.Flushed = true
	})
}

// IsFlushed reports whether the final data of a region has been stored.
func (s *Store) IsFlushed(ctx context.Context, key storage.RegionKey) (bool, error) {
	rec, err := s.readRegion(ctx, key)
	return rec.Flushed, err
}

// StoreEndState keeps the buffer state read from the core after it stopped.
func (s *Store) StoreEndState(ctx context.Context, key storage.RegionKey, state recording.ChannelState) error {
	return s.updateRegion(ctx, key, func(rec *storage.RegionRecord) {
		rec.State = state
		rec.Recovered = true
	})
}

// EndState returns the stored end-of-run buffer state of a region.
func (s *Store) EndState(ctx context.Context, key storage.RegionKey) (recording.ChannelState, bool, error) {
	rec, err := s.readRegion(ctx, key)
	return rec.State, rec.Recovered, err
}

// IsEndStateRecovered reports whether the end state of a region is stored.
func (s *Store) IsEndStateRecovered(ctx context.Context, key storage.RegionKey) (bool, error) {
	rec, err := s.readRegion(ctx, key)
	return rec.Recovered, err
}

// Clear drops the data and the flags of one region.
func (s *Store) Clear(ctx context.Context, core machine.Core, region int) error {
	key := storage.RegionKey{Core: core, Region: region}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.regions, key)
	if err := s.backend.Clear(ctx, key); err != nil {
		return errors.Wrap(err, "Store", "Clear", "clear "+key.String())
	}
	s.logger.Debug("Cleared region", "region", key.String())
	return nil
}

// Resume prepares for another run on the same cores: sequence tracking starts
// over and region flags are reset, while recovered data is kept.
func (s *Store) Resume(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result *multierror.Error
	for c := range s.cores {
		rec := storage.CoreRecord{LastSeq: InitialSequenceNo}
		s.cores[c] = &rec
		if err := s.backend.PutCoreState(ctx, c, rec); err != nil {
			result = multierror.Append(result, err)
		}
	}
	for key, rec := range s.regions {
		rec.Recovered = false
		rec.Flushed = false
		rec.State = recording.ChannelState{}
		if err := s.backend.PutState(ctx, key, *rec); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		return errors.Wrap(err, "Store", "Resume", "persist reset records")
	}
	return nil
}

// Close closes the backend, keeping what it persisted.
func (s *Store) Close() error {
	return s.backend.Close()
}

// Destroy closes the backend and removes everything it persisted.
func (s *Store) Destroy() error {
	s.mu.Lock()
	clear(s.cores)
	clear(s.regions)
	s.mu.Unlock()
	return s.backend.Destroy()
}
