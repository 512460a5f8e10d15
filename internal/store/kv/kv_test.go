package kv

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingrea/playbooks/internal/playbook"
	"github.com/kingrea/playbooks/internal/store"
	"github.com/kingrea/playbooks/internal/store/storetest"
)

// memBucket mimics JetStream KV semantics: per-key revisions from a global
// sequence and Create succeeding over a deleted key.
type memBucket struct {
	mu      sync.Mutex
	seq     uint64
	values  map[string][]byte
	revs    map[string]uint64
	keysErr error
}

func newMemBucket() *memBucket {
	return &memBucket{values: map[string][]byte{}, revs: map[string]uint64{}}
}

func (b *memBucket) Get(_ context.Context, key string) ([]byte, uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.values[key]
	if !ok {
		return nil, 0, ErrKeyNotFound
	}
	return append([]byte(nil), v...), b.revs[key], nil
}

func (b *memBucket) Create(_ context.Context, key string, value []byte) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.values[key]; ok {
		return 0, ErrRevisionMismatch
	}
	return b.put(key, value), nil
}

func (b *memBucket) Update(_ context.Context, key string, value []byte, revision uint64) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.revs[key] != revision {
		return 0, ErrRevisionMismatch
	}
	return b.put(key, value), nil
}

func (b *memBucket) put(key string, value []byte) uint64 {
	b.seq++
	b.values[key] = append([]byte(nil), value...)
	b.revs[key] = b.seq
	return b.seq
}

func (b *memBucket) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.values, key)
	delete(b.revs, key)
	return nil
}

func (b *memBucket) Keys(context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.keysErr != nil {
		return nil, b.keysErr
	}
	keys := make([]string, 0, len(b.values))
	for k := range b.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func TestContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return New(newMemBucket()) })
}

func TestKeysAreTenantPrefixed(t *testing.T) {
	bucket := newMemBucket()
	s := New(bucket)
	require.NoError(t, s.Save(context.Background(), storetest.Execution("exec-1", 7, 1)))
	keys, _ := bucket.Keys(context.Background())
	assert.Equal(t, []string{"customer.7.exec-1"}, keys)
}

func TestRejectsIDsThatBreakKeys(t *testing.T) {
	s := New(newMemBucket())
	err := s.Save(context.Background(), storetest.Execution("a.b", 7, 1))
	assert.ErrorIs(t, err, playbook.ErrValidation)
}

// racingBucket lets another writer slip in between Get and Update.
type racingBucket struct {
	*memBucket
	once sync.Once
}

func (b *racingBucket) Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	b.once.Do(func() {
		b.mu.Lock()
		b.put(key, b.values[key])
		b.mu.Unlock()
	})
	return b.memBucket.Update(ctx, key, value, revision)
}

func TestConcurrentWriterLosesWithConflict(t *testing.T) {
	bucket := &racingBucket{memBucket: newMemBucket()}
	s := New(bucket)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, storetest.Execution("exec-1", 7, 1)))
	err := s.Save(ctx, storetest.Execution("exec-1", 7, 2))
	assert.ErrorIs(t, err, playbook.ErrConflict)
}

func TestKeysFailurePropagates(t *testing.T) {
	bucket := newMemBucket()
	bucket.keysErr = errors.New("nats down")
	_, err := New(bucket).List(context.Background(), 7)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nats down")
}
