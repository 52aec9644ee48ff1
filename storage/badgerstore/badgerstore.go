// Package badgerstore keeps recovered data and bookkeeping in an embedded badger
// database so a long run does not have to hold every region in memory.
//
// Key layout:
//
//	d/<x_y_p_region>/<index>  one appended chunk, index big-endian uint64
//	r/<x_y_p_region>          RegionRecord, CBOR
//	c/<x_y_p>                 CoreRecord, CBOR
package badgerstore

import (
	"context"
	"encoding/binary"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"

	"github.com/c360/bufferlink/errors"
	"github.com/c360/bufferlink/machine"
	"github.com/c360/bufferlink/metric"
	"github.com/c360/bufferlink/storage"
)

const backendName = "badger"

// Config holds configuration for a Store.
type Config struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path string

	// InMemory keeps the database in memory. Useful for tests.
	InMemory bool

	// SyncWrites fsyncs every write.
	SyncWrites bool

	// Logger receives badger's internal logging. Nil silences it.
	Logger *slog.Logger

	// GCInterval is how often value log garbage collection runs. Zero disables it.
	GCInterval time.Duration

	// GCDiscardRatio is the garbage ratio that triggers a value log rewrite.
	GCDiscardRatio float64

	// Metrics counts backend operations when set.
	Metrics *metric.Metrics
}

// DefaultConfig returns a configuration for a persistent database at path.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		SyncWrites:     false,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns a configuration for tests.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// badgerLogger adapts slog.Logger to badger.Logger.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Store is a badger-backed storage.Backend.
type Store struct {
	db      *badger.DB
	cfg     Config
	metrics *metric.Metrics
	logger  *slog.Logger

	// next chunk index per region; loaded lazily from the database
	mu   sync.Mutex
	next map[storage.RegionKey]uint64

	gcStop chan struct{}
	gcDone chan struct{}

	closeOnce sync.Once
	closeErr  error
}

var _ storage.Backend = (*Store)(nil)

// Open opens or creates the database described by cfg.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "badgerstore", "Open", "path is required")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, errors.WrapFatal(err, "badgerstore", "Open", "create directory "+cfg.Path)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.WrapTransient(err, "badgerstore", "Open", "open database")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With("component", "badgerstore")
	}
	s := &Store{
		db:      db,
		cfg:     cfg,
		metrics: cfg.Metrics,
		logger:  logger,
		next:    make(map[storage.RegionKey]uint64),
	}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.gcStop = make(chan struct{})
		s.gcDone = make(chan struct{})
		go s.runGC(cfg.GCInterval, cfg.GCDiscardRatio)
	}
	return s, nil
}

// Name implements storage.Backend.
func (s *Store) Name() string { return backendName }

// Region implements storage.Backend.
func (s *Store) Region(key storage.RegionKey) storage.RegionData {
	return &region{store: s, key: key}
}

// PutState implements storage.Backend.
func (s *Store) PutState(_ context.Context, key storage.RegionKey, rec storage.RegionRecord) error {
	s.record("put_state")
	return s.putCBOR(recordKey(key), rec, "PutState")
}

// State implements storage.Backend.
func (s *Store) State(_ context.Context, key storage.RegionKey) (storage.RegionRecord, bool, error) {
	s.record("get_state")
	var rec storage.RegionRecord
	ok, err := s.getCBOR(recordKey(key), &rec, "State")
	return rec, ok, err
}

// PutCoreState implements storage.Backend.
func (s *Store) PutCoreState(_ context.Context, core machine.Core, rec storage.CoreRecord) error {
	s.record("put_core_state")
	return s.putCBOR(coreKey(core), rec, "PutCoreState")
}

// CoreState implements storage.Backend.
func (s *Store) CoreState(_ context.Context, core machine.Core) (storage.CoreRecord, bool, error) {
	s.record("get_core_state")
	var rec storage.CoreRecord
	ok, err := s.getCBOR(coreKey(core), &rec, "CoreState")
	return rec, ok, err
}

// Clear implements storage.Backend.
func (s *Store) Clear(_ context.Context, key storage.RegionKey) error {
	s.record("clear")
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.deletePrefix(dataPrefix(key)); err != nil {
		return errors.WrapTransient(err, "badgerstore", "Clear", "drop data of "+key.String())
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(recordKey(key))
	})
	if err != nil {
		return errors.WrapTransient(err, "badgerstore", "Clear", "delete record of "+key.String())
	}
	delete(s.next, key)
	return nil
}

// Close stops garbage collection and closes the database. Safe to call twice.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		if s.gcStop != nil {
			close(s.gcStop)
			<-s.gcDone
		}
		if err := s.db.Close(); err != nil {
			s.closeErr = errors.Wrap(err, "badgerstore", "Close", "close database")
		}
	})
	return s.closeErr
}

// Destroy closes the database and removes its directory.
func (s *Store) Destroy() error {
	if s.cfg.InMemory {
		return s.Close()
	}
	if err := s.Close(); err != nil {
		return err
	}
	if err := os.RemoveAll(s.cfg.Path); err != nil {
		return errors.Wrap(err, "badgerstore", "Destroy", "remove "+s.cfg.Path)
	}
	return nil
}

func (s *Store) runGC(interval time.Duration, ratio float64) {
	defer close(s.gcDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.gcStop:
			return
		case <-ticker.C:
			// ErrNoRewrite only means there was nothing worth collecting.
			if err := s.db.RunValueLogGC(ratio); err != nil && !stderrors.Is(err, badger.ErrNoRewrite) {
				s.logger.Warn("Value log GC failed", "error", err)
			}
		}
	}
}

// deletePrefix removes every key under prefix in one write batch.
func (s *Store) deletePrefix(prefix []byte) error {
	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil || len(keys) == 0 {
		return err
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			return err
		}
	}
	return wb.Flush()
}

func (s *Store) putCBOR(key []byte, v any, method string) error {
	b, err := cbor.Marshal(v)
	if err != nil {
		return errors.WrapFatal(err, "badgerstore", method, "encode record")
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, b)
	})
	if err != nil {
		return errors.WrapTransient(err, "badgerstore", method, "write record")
	}
	return nil
}

func (s *Store) getCBOR(key []byte, v any, method string) (bool, error) {
	var raw []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if stderrors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, errors.WrapTransient(err, "badgerstore", method, "read record")
	}
	if err := cbor.Unmarshal(raw, v); err != nil {
		return false, errors.WrapFatal(err, "badgerstore", method, "decode record")
	}
	return true, nil
}

func (s *Store) record(op string) {
	if s.metrics != nil {
		s.metrics.RecordStorageOp(backendName, op)
	}
}

// nextIndex returns the index for the next chunk of key. Caller holds s.mu.
func (s *Store) nextIndex(key storage.RegionKey) (uint64, error) {
	if n, ok := s.next[key]; ok {
		return n, nil
	}
	var n uint64
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Reverse = true
		prefix := dataPrefix(key)
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		// Seeking past every index lands on the last chunk.
		it.Seek(append(append([]byte(nil), prefix...), 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff))
		if it.ValidForPrefix(prefix) {
			k := it.Item().Key()
			n = binary.BigEndian.Uint64(k[len(prefix):]) + 1
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.next[key] = n
	return n, nil
}

type region struct {
	store *Store
	key   storage.RegionKey
}

func (r *region) Append(_ context.Context, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	s := r.store
	s.record("append")
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.nextIndex(r.key)
	if err != nil {
		return errors.WrapTransient(err, "badgerstore", "Append", "find last chunk of "+r.key.String())
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(chunkKey(r.key, idx), data)
	})
	if err != nil {
		return errors.WrapTransient(err, "badgerstore", "Append", "write chunk of "+r.key.String())
	}
	s.next[r.key] = idx + 1
	return nil
}

func (r *region) Bytes(_ context.Context) ([]byte, error) {
	r.store.record("read")
	var out []byte
	err := r.each(func(item *badger.Item) error {
		return item.Value(func(v []byte) error {
			out = append(out, v...)
			return nil
		})
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "badgerstore", "Bytes", "read "+r.key.String())
	}
	return out, nil
}

func (r *region) Len(_ context.Context) (int, error) {
	n := 0
	err := r.each(func(item *badger.Item) error {
		n += int(item.ValueSize())
		return nil
	})
	if err != nil {
		return 0, errors.WrapTransient(err, "badgerstore", "Len", "size "+r.key.String())
	}
	return n, nil
}

func (r *region) Clear(_ context.Context) error {
	s := r.store
	s.record("clear_data")
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.deletePrefix(dataPrefix(r.key)); err != nil {
		return errors.WrapTransient(err, "badgerstore", "Clear", "drop data of "+r.key.String())
	}
	delete(s.next, r.key)
	return nil
}

// each visits the chunks of the region in append order.
func (r *region) each(fn func(*badger.Item) error) error {
	return r.store.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = dataPrefix(r.key)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := fn(it.Item()); err != nil {
				return err
			}
		}
		return nil
	})
}

func dataPrefix(key storage.RegionKey) []byte {
	return []byte("d/" + key.String() + "/")
}

func chunkKey(key storage.RegionKey, idx uint64) []byte {
	return binary.BigEndian.AppendUint64(dataPrefix(key), idx)
}

func recordKey(key storage.RegionKey) []byte {
	return []byte("r/" + key.String())
}

func coreKey(core machine.Core) []byte {
	return fmt.Appendf(nil, "c/%d_%d_%d", core.X, core.Y, core.P)
}
