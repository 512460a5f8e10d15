// Package kv persists executions in a NATS JetStream key-value bucket.
// Keys are customer.<customerID>.<executionID>; updates use the bucket's
// per-key revision for compare-and-set so concurrent writers cannot lose
// each other's results.
package kv

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/kingrea/playbooks/internal/playbook"
	"github.com/kingrea/playbooks/internal/store"
)

// DefaultBucket is the bucket name used when none is configured.
const DefaultBucket = "PLAYBOOK_EXECUTIONS"

// ErrKeyNotFound is returned by Bucket.Get for missing or deleted keys.
var ErrKeyNotFound = errors.New("kv: key not found")

// ErrRevisionMismatch is returned by Bucket.Create and Bucket.Update when the
// key moved on since it was read.
var ErrRevisionMismatch = errors.New("kv: revision mismatch")

// Bucket is the subset of a JetStream key-value bucket the store needs.
type Bucket interface {
	Get(ctx context.Context, key string) ([]byte, uint64, error)
	Create(ctx context.Context, key string, value []byte) (uint64, error)
	Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error)
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
}

// Store is a store.Store over a Bucket.
type Store struct {
	bucket Bucket
	closer func()
}

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_=-]+$`)

// New wraps an existing bucket.
func New(bucket Bucket) *Store {
	return &Store{bucket: bucket}
}

// Connect dials NATS, ensures the bucket exists and returns a store over it.
func Connect(ctx context.Context, url, bucketName string, timeout time.Duration) (*Store, error) {
	if strings.TrimSpace(url) == "" {
		url = nats.DefaultURL
	}
	if strings.TrimSpace(bucketName) == "" {
		bucketName = DefaultBucket
	}
	opts := []nats.Option{nats.Name("playbookd")}
	if timeout > 0 {
		opts = append(opts, nats.Timeout(timeout))
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("kv: connect %s: %w", url, err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("kv: jetstream: %w", err)
	}
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucketName,
		Description: "playbook executions",
		History:     5,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("kv: bucket %s: %w", bucketName, err)
	}
	return &Store{bucket: jsBucket{kv: kv}, closer: nc.Close}, nil
}

func (s *Store) Close() error {
	if s.closer != nil {
		s.closer()
	}
	return nil
}

func tenantPrefix(customerID int64) string {
	return "customer." + strconv.FormatInt(customerID, 10) + "."
}

func key(customerID int64, id string) string {
	return tenantPrefix(customerID) + id
}

func (s *Store) List(ctx context.Context, customerID int64) ([]playbook.Execution, error) {
	keys, err := s.bucket.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("kv: keys: %w", err)
	}
	prefix := tenantPrefix(customerID)
	execs := []playbook.Execution{}
	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		value, _, err := s.bucket.Get(ctx, k)
		if errors.Is(err, ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("kv: get %s: %w", k, err)
		}
		exec, err := playbook.DecodeExecution(value)
		if err != nil {
			return nil, fmt.Errorf("kv: %s: %w", k, err)
		}
		execs = append(execs, exec)
	}
	store.SortExecutions(execs)
	return execs, nil
}

func (s *Store) Save(ctx context.Context, exec playbook.Execution) error {
	if !idPattern.MatchString(exec.ID) {
		return playbook.Validation("store", "execution id %q is not a valid key token", exec.ID)
	}
	body, err := playbook.EncodeExecution(exec)
	if err != nil {
		return err
	}
	owner, found, err := s.owner(ctx, exec.ID)
	if err != nil {
		return err
	}
	if found && owner != exec.CustomerID {
		return playbook.Conflict("store", "execution %s belongs to another customer", exec.ID)
	}
	k := key(exec.CustomerID, exec.ID)
	value, revision, err := s.bucket.Get(ctx, k)
	switch {
	case errors.Is(err, ErrKeyNotFound):
		if err := store.CheckWrite(playbook.Execution{}, false, exec); err != nil {
			return err
		}
		if _, err := s.bucket.Create(ctx, k, body); err != nil {
			return translate(exec.ID, err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("kv: get %s: %w", k, err)
	}
	current, err := playbook.DecodeExecution(value)
	if err != nil {
		return fmt.Errorf("kv: stored %s: %w", k, err)
	}
	if err := store.CheckWrite(current, true, exec); err != nil {
		return err
	}
	if _, err := s.bucket.Update(ctx, k, body, revision); err != nil {
		return translate(exec.ID, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, customerID int64, id string) error {
	k := key(customerID, id)
	if _, _, err := s.bucket.Get(ctx, k); err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return playbook.NotFound("store", "execution %s", id)
		}
		return fmt.Errorf("kv: get %s: %w", k, err)
	}
	if err := s.bucket.Delete(ctx, k); err != nil {
		return fmt.Errorf("kv: delete %s: %w", k, err)
	}
	return nil
}

// owner finds which tenant holds id, if any.
func (s *Store) owner(ctx context.Context, id string) (int64, bool, error) {
	keys, err := s.bucket.Keys(ctx)
	if err != nil {
		return 0, false, fmt.Errorf("kv: keys: %w", err)
	}
	suffix := "." + id
	for _, k := range keys {
		if !strings.HasPrefix(k, "customer.") || !strings.HasSuffix(k, suffix) {
			continue
		}
		raw := strings.TrimSuffix(strings.TrimPrefix(k, "customer."), suffix)
		customerID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		return customerID, true, nil
	}
	return 0, false, nil
}

func translate(id string, err error) error {
	if errors.Is(err, ErrRevisionMismatch) {
		return playbook.Conflict("store", "execution %s changed concurrently", id)
	}
	return fmt.Errorf("kv: write %s: %w", id, err)
}

// jsBucket adapts jetstream.KeyValue to Bucket.
type jsBucket struct {
	kv jetstream.KeyValue
}

func (b jsBucket) Get(ctx context.Context, key string) ([]byte, uint64, error) {
	entry, err := b.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
			return nil, 0, ErrKeyNotFound
		}
		return nil, 0, err
	}
	return entry.Value(), entry.Revision(), nil
}

func (b jsBucket) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	rev, err := b.kv.Create(ctx, key, value)
	return rev, mapWriteErr(err)
}

func (b jsBucket) Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	rev, err := b.kv.Update(ctx, key, value, revision)
	return rev, mapWriteErr(err)
}

func (b jsBucket) Delete(ctx context.Context, key string) error {
	return b.kv.Delete(ctx, key)
}

func (b jsBucket) Keys(ctx context.Context) ([]string, error) {
	keys, err := b.kv.Keys(ctx)
	if errors.Is(err, jetstream.ErrNoKeysFound) {
		return nil, nil
	}
	return keys, err
}

func mapWriteErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, jetstream.ErrKeyExists) {
		return fmt.Errorf("%w: %v", ErrRevisionMismatch, err)
	}
	var apiErr *jetstream.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence {
		return fmt.Errorf("%w: %v", ErrRevisionMismatch, err)
	}
	return err
}

var _ store.Store = (*Store)(nil)
