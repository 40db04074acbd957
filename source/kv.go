package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/DeepnessLab/moly/internal/logger"
	"github.com/DeepnessLab/moly/types"
)

// Default keys of the topology bucket.
const (
	DefaultRawKey     = "chains.raw"
	DefaultSteeredKey = "chains.steered"
)

// ErrWatcherClosed is returned by Watch when the KV watcher stops on its own.
var ErrWatcherClosed = errors.New("topology watcher closed")

// KV is a ChainTopology backed by a NATS JetStream KeyValue bucket.
//
// The operator, or the traffic-steering application, writes the raw chains
// as a JSON array to the raw key. Steered chains are written to a separate
// key so that publishing never echoes back into Watch. A publish whose
// content matches the last one written is skipped.
type KV struct {
	kv         jetstream.KeyValue
	rawKey     string
	steeredKey string
	logger     types.Logger

	mu          sync.Mutex
	fingerprint uint64
	written     bool
}

var _ types.ChainTopology = (*KV)(nil)

// KVOption configures a KV topology.
type KVOption func(*KV)

// WithRawKey sets the key holding the raw chains.
func WithRawKey(key string) KVOption {
	return func(s *KV) {
		s.rawKey = key
	}
}

// WithSteeredKey sets the key receiving the steered chains.
func WithSteeredKey(key string) KVOption {
	return func(s *KV) {
		s.steeredKey = key
	}
}

// WithKVLogger sets the logger.
func WithKVLogger(l types.Logger) KVOption {
	return func(s *KV) {
		s.logger = l
	}
}

// NewKV creates a topology over an existing bucket.
//
// Parameters:
//   - kv: Bucket holding both keys
//   - opts: Optional key names and logger
//
// Returns:
//   - *KV: Topology reading DefaultRawKey and writing DefaultSteeredKey unless overridden
//
// Example:
//
//	bucket, err := kvutil.EnsureKVBucketWithRetry(ctx, js, jetstream.KeyValueConfig{Bucket: "moly-topology"}, 3)
//	topo := source.NewKV(bucket, source.WithKVLogger(log))
func NewKV(kv jetstream.KeyValue, opts ...KVOption) *KV {
	s := &KV{
		kv:         kv,
		rawKey:     DefaultRawKey,
		steeredKey: DefaultSteeredKey,
		logger:     logger.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Watch delivers the raw chains stored under the raw key and every later
// revision until ctx is cancelled.
//
// A deleted or purged key delivers an empty chain set. Revisions that fail to
// decode are logged and skipped.
func (s *KV) Watch(ctx context.Context, handler types.ChainHandler) error {
	w, err := s.kv.Watch(ctx, s.rawKey)
	if err != nil {
		return fmt.Errorf("failed to watch %s: %w", s.rawKey, err)
	}
	defer func() {
		if err := w.Stop(); err != nil {
			s.logger.Debug("failed to stop topology watcher", "error", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case entry, ok := <-w.Updates():
			if !ok {
				if ctx.Err() != nil {
					return nil
				}

				return ErrWatcherClosed
			}
			if entry == nil {
				continue
			}

			chains, err := decodeEntry(entry)
			if err != nil {
				s.logger.Warn("ignoring undecodable chain revision",
					"key", entry.Key(), "revision", entry.Revision(), "error", err)

				continue
			}
			handler(ctx, chains)
		}
	}
}

// Publish writes the steered chains to the steered key.
func (s *KV) Publish(ctx context.Context, chains []types.RawPolicyChain) error {
	if chains == nil {
		chains = []types.RawPolicyChain{}
	}
	fp := types.Fingerprint(chains)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.written && s.fingerprint == fp {
		s.logger.Debug("steered chains unchanged, skipping write", "key", s.steeredKey)
		return nil
	}

	data, err := json.Marshal(chains)
	if err != nil {
		return fmt.Errorf("failed to encode steered chains: %w", err)
	}
	if _, err := s.kv.Put(ctx, s.steeredKey, data); err != nil {
		return fmt.Errorf("failed to write %s: %w", s.steeredKey, err)
	}
	s.fingerprint, s.written = fp, true

	return nil
}

// PutRaw stores raw chains under the raw key.
//
// It is the write side of Watch, used by tooling and tests.
func (s *KV) PutRaw(ctx context.Context, chains []types.RawPolicyChain) error {
	data, err := json.Marshal(chains)
	if err != nil {
		return fmt.Errorf("failed to encode raw chains: %w", err)
	}
	if _, err := s.kv.Put(ctx, s.rawKey, data); err != nil {
		return fmt.Errorf("failed to write %s: %w", s.rawKey, err)
	}

	return nil
}

// Steered reads back the steered chains.
func (s *KV) Steered(ctx context.Context) ([]types.RawPolicyChain, error) {
	entry, err := s.kv.Get(ctx, s.steeredKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", s.steeredKey, err)
	}

	return decodeEntry(entry)
}

func decodeEntry(entry jetstream.KeyValueEntry) ([]types.RawPolicyChain, error) {
	switch entry.Operation() {
	case jetstream.KeyValueDelete, jetstream.KeyValuePurge:
		return []types.RawPolicyChain{}, nil
	case jetstream.KeyValuePut:
	}

	var chains []types.RawPolicyChain
	if err := json.Unmarshal(entry.Value(), &chains); err != nil {
		return nil, err
	}

	return chains, nil
}
