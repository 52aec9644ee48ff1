package objectstore

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/bufferlink/errors"
	"github.com/c360/bufferlink/machine"
	"github.com/c360/bufferlink/metric"
	"github.com/c360/bufferlink/natsclient"
	"github.com/c360/bufferlink/storage"
)

const backendName = "objectstore"

// Config holds configuration for a Store.
type Config struct {
	// Bucket is the object store bucket name.
	Bucket string `json:"bucket" yaml:"bucket"`

	// Description is stored with the bucket.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Timeout bounds every request to the server.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Bucket:  "BUFFERLINK",
		Timeout: 5 * time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Bucket == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "objectstore", "Validate", "bucket is required")
	}
	if strings.ContainsAny(c.Bucket, " .*>") {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "objectstore", "Validate",
			fmt.Sprintf("bucket %q contains characters NATS does not allow", c.Bucket))
	}
	return nil
}

// Deps are the collaborators of a Store.
type Deps struct {
	Client *natsclient.Client

	// Registry exports per-bucket metrics when set.
	Registry *metric.MetricsRegistry

	// Metrics counts backend operations when set.
	Metrics *metric.Metrics

	Logger *slog.Logger
}

// Store is a storage.Backend over one object store bucket. Each appended chunk
// is its own object:
//
//	data/<x_y_p_region>/<index>  chunk, index zero-padded decimal
//	state/<x_y_p_region>         RegionRecord, CBOR
//	core/<x_y_p>                 CoreRecord, CBOR
type Store struct {
	client  *natsclient.Client
	bucket  jetstream.ObjectStore
	cfg     Config
	metrics *storeMetrics
	core    *metric.Metrics
	logger  *slog.Logger

	mu   sync.Mutex
	next map[storage.RegionKey]uint64
}

var _ storage.Backend = (*Store)(nil)

// New opens the bucket named in cfg, creating it when needed.
func New(ctx context.Context, cfg Config, deps Deps) (*Store, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Client == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "objectstore", "New", "NATS client is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "objectstore", "bucket", cfg.Bucket)

	bucket, err := deps.Client.CreateObjectStore(ctx, jetstream.ObjectStoreConfig{
		Bucket:      cfg.Bucket,
		Description: cfg.Description,
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "objectstore", "New", "open bucket "+cfg.Bucket)
	}

	m, err := newStoreMetrics(deps.Registry, cfg.Bucket)
	if err != nil {
		// Another open Store on the same bucket owns the series.
		logger.Debug("Object store metrics not registered", "error", err)
		m = nil
	}

	return &Store{
		client:  deps.Client,
		bucket:  bucket,
		cfg:     cfg,
		metrics: m,
		core:    deps.Metrics,
		logger:  logger,
		next:    make(map[storage.RegionKey]uint64),
	}, nil
}

// Name implements storage.Backend.
func (s *Store) Name() string { return backendName }

// Bucket returns the bucket name.
func (s *Store) Bucket() string { return s.cfg.Bucket }

// Region implements storage.Backend.
func (s *Store) Region(key storage.RegionKey) storage.RegionData {
	return &region{store: s, key: key}
}

// PutState implements storage.Backend.
func (s *Store) PutState(ctx context.Context, key storage.RegionKey, rec storage.RegionRecord) error {
	return s.putRecord(ctx, stateName(key), rec, "PutState")
}

// State implements storage.Backend.
func (s *Store) State(ctx context.Context, key storage.RegionKey) (storage.RegionRecord, bool, error) {
	var rec storage.RegionRecord
	ok, err := s.getRecord(ctx, stateName(key), &rec, "State")
	return rec, ok, err
}

// PutCoreState implements storage.Backend.
func (s *Store) PutCoreState(ctx context.Context, core machine.Core, rec storage.CoreRecord) error {
	return s.putRecord(ctx, coreName(core), rec, "PutCoreState")
}

// CoreState implements storage.Backend.
func (s *Store) CoreState(ctx context.Context, core machine.Core) (storage.CoreRecord, bool, error) {
	var rec storage.CoreRecord
	ok, err := s.getRecord(ctx, coreName(core), &rec, "CoreState")
	return rec, ok, err
}

// Clear implements storage.Backend.
func (s *Store) Clear(ctx context.Context, key storage.RegionKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.deleteChunks(ctx, key); err != nil {
		return err
	}
	if err := s.delete(ctx, stateName(key)); err != nil {
		return errors.WrapTransient(err, "objectstore", "Clear", "delete record of "+key.String())
	}
	return nil
}

// Close implements storage.Backend. The NATS client belongs to the caller and
// stays open.
func (s *Store) Close() error {
	s.metrics.release()
	return nil
}

// Destroy deletes the bucket.
func (s *Store) Destroy() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
	defer cancel()
	if err := s.client.DeleteObjectStore(ctx, s.cfg.Bucket); err != nil {
		return errors.Wrap(err, "objectstore", "Destroy", "delete bucket "+s.cfg.Bucket)
	}
	s.logger.Info("Deleted object store bucket")
	return nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.Timeout)
}

// timed runs fn and records it under operation.
func (s *Store) timed(operation string, fn func() error) error {
	start := time.Now()
	err := fn()
	s.metrics.observe(operation, time.Since(start).Seconds(), err)
	if s.core != nil {
		s.core.RecordStorageOp(backendName, operation)
	}
	return err
}

func (s *Store) putRecord(ctx context.Context, name string, v any, method string) error {
	b, err := cbor.Marshal(v)
	if err != nil {
		return errors.WrapFatal(err, "objectstore", method, "encode record")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	err = s.timed("put", func() error {
		_, err := s.bucket.PutBytes(ctx, name, b)
		return err
	})
	if err != nil {
		return errors.WrapTransient(err, "objectstore", method, "put "+name)
	}
	return nil
}

func (s *Store) getRecord(ctx context.Context, name string, v any, method string) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var raw []byte
	err := s.timed("get", func() error {
		var err error
		raw, err = s.bucket.GetBytes(ctx, name)
		return err
	})
	if stderrors.Is(err, jetstream.ErrObjectNotFound) {
		return false, nil
	}
	if err != nil {
		return false, errors.WrapTransient(err, "objectstore", method, "get "+name)
	}
	if err := cbor.Unmarshal(raw, v); err != nil {
		return false, errors.WrapFatal(err, "objectstore", method, "decode "+name)
	}
	return true, nil
}

func (s *Store) delete(ctx context.Context, name string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	err := s.timed("delete", func() error { return s.bucket.Delete(ctx, name) })
	if stderrors.Is(err, jetstream.ErrObjectNotFound) {
		return nil
	}
	return err
}

// chunks lists the chunk objects of key in append order.
func (s *Store) chunks(ctx context.Context, key storage.RegionKey) ([]*jetstream.ObjectInfo, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var all []*jetstream.ObjectInfo
	err := s.timed("list", func() error {
		var err error
		all, err = s.bucket.List(ctx)
		return err
	})
	if stderrors.Is(err, jetstream.ErrNoObjectsFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	prefix := dataPrefix(key)
	var out []*jetstream.ObjectInfo
	for _, info := range all {
		if info != nil && !info.Deleted && strings.HasPrefix(info.Name, prefix) {
			out = append(out, info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// deleteChunks removes the data of key. Caller holds s.mu.
func (s *Store) deleteChunks(ctx context.Context, key storage.RegionKey) error {
	infos, err := s.chunks(ctx, key)
	if err != nil {
		return errors.WrapTransient(err, "objectstore", "Clear", "list chunks of "+key.String())
	}
	for _, info := range infos {
		if err := s.delete(ctx, info.Name); err != nil {
			return errors.WrapTransient(err, "objectstore", "Clear", "delete "+info.Name)
		}
	}
	delete(s.next, key)
	return nil
}

// nextIndex returns the index of the next chunk of key. Caller holds s.mu.
func (s *Store) nextIndex(ctx context.Context, key storage.RegionKey) (uint64, error) {
	if n, ok := s.next[key]; ok {
		return n, nil
	}
	infos, err := s.chunks(ctx, key)
	if err != nil {
		return 0, err
	}
	var n uint64
	if len(infos) > 0 {
		last := infos[len(infos)-1].Name
		idx, err := strconv.ParseUint(last[len(dataPrefix(key)):], 10, 64)
		if err != nil {
			return 0, errors.WrapFatal(err, "objectstore", "Append", "bad chunk name "+last)
		}
		n = idx + 1
	}
	s.next[key] = n
	return n, nil
}

type region struct {
	store *Store
	key   storage.RegionKey
}

func (r *region) Append(ctx context.Context, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.nextIndex(ctx, r.key)
	if err != nil {
		return errors.WrapTransient(err, "objectstore", "Append", "find last chunk of "+r.key.String())
	}
	name := chunkName(r.key, idx)
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	err = s.timed("append", func() error {
		_, err := s.bucket.PutBytes(ctx, name, data)
		return err
	})
	if err != nil {
		return errors.WrapTransient(err, "objectstore", "Append", "put "+name)
	}
	s.next[r.key] = idx + 1
	s.metrics.appended(len(data))
	return nil
}

func (r *region) Bytes(ctx context.Context) ([]byte, error) {
	s := r.store
	infos, err := s.chunks(ctx, r.key)
	if err != nil {
		return nil, errors.WrapTransient(err, "objectstore", "Bytes", "list chunks of "+r.key.String())
	}
	var buf bytes.Buffer
	for _, info := range infos {
		err := func() error {
			ctx, cancel := s.withTimeout(ctx)
			defer cancel()
			return s.timed("get", func() error {
				b, err := s.bucket.GetBytes(ctx, info.Name)
				buf.Write(b)
				return err
			})
		}()
		if err != nil {
			return nil, errors.WrapTransient(err, "objectstore", "Bytes", "get "+info.Name)
		}
	}
	if buf.Len() == 0 {
		return nil, nil
	}
	return buf.Bytes(), nil
}

func (r *region) Len(ctx context.Context) (int, error) {
	infos, err := r.store.chunks(ctx, r.key)
	if err != nil {
		return 0, errors.WrapTransient(err, "objectstore", "Len", "list chunks of "+r.key.String())
	}
	n := 0
	for _, info := range infos {
		n += int(info.Size)
	}
	return n, nil
}

func (r *region) Clear(ctx context.Context) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	return r.store.deleteChunks(ctx, r.key)
}

func dataPrefix(key storage.RegionKey) string {
	return "data/" + key.String() + "/"
}

// chunkName pads the index so names sort in append order.
func chunkName(key storage.RegionKey, idx uint64) string {
	return fmt.Sprintf("%s%020d", dataPrefix(key), idx)
}

func stateName(key storage.RegionKey) string {
	return "state/" + key.String()
}

func coreName(core machine.Core) string {
	return fmt.Sprintf("core/%d_%d_%d", core.X, core.Y, core.P)
}
