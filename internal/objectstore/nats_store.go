// Package objectstore provides a NATS-based implementation of the ObjectStore interface.
// It carries reference clips and generated waveforms between the service and
// remote inference workers.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NatsObjectStore implements the core.ObjectStore interface using NATS JetStream.
type NatsObjectStore struct {
	bucket string
	store  nats.ObjectStore
}

// New creates the bucket if needed and binds to it.
func New(jetstreamContext nats.JetStreamContext, bucketName string) (*NatsObjectStore, error) {
	store, err := jetstreamContext.CreateObjectStore(&nats.ObjectStoreConfig{
		Bucket:      bucketName,
		Description: fmt.Sprintf("Transient voice clone audio for the %s bucket.", bucketName),
		Storage:     nats.FileStorage,
		Replicas:    1,
	})
	if err != nil {
		if !errors.Is(err, jetstream.ErrBucketExists) && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return nil, fmt.Errorf("failed to create object store bucket '%s': %w", bucketName, err)
		}

		store, err = jetstreamContext.ObjectStore(bucketName)
		if err != nil {
			return nil, fmt.Errorf("failed to bind to existing object store bucket '%s': %w", bucketName, err)
		}
	}

	return &NatsObjectStore{
		bucket: bucketName,
		store:  store,
	}, nil
}

// Download streams an object from the NATS object store into dst.
func (n *NatsObjectStore) Download(ctx context.Context, key string, dst io.Writer) error {
	obj, err := n.store.Get(key, nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("failed to get object '%s' from bucket '%s': %w", key, n.bucket, err)
	}

	_, copyErr := io.Copy(dst, obj)
	closeErr := obj.Close()

	if copyErr != nil {
		return fmt.Errorf("failed to read object '%s': %w", key, copyErr)
	}

	if closeErr != nil {
		return fmt.Errorf("failed to close object '%s': %w", key, closeErr)
	}

	return nil
}

// Upload streams src into the NATS object store under key.
func (n *NatsObjectStore) Upload(ctx context.Context, key string, src io.Reader) error {
	_, err := n.store.Put(&nats.ObjectMeta{Name: key}, src, nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("failed to put object '%s' to bucket '%s': %w", key, n.bucket, err)
	}

	return nil
}

// Delete removes an object. Deleting a missing object is not an error.
func (n *NatsObjectStore) Delete(_ context.Context, key string) error {
	err := n.store.Delete(key)
	if err != nil && !errors.Is(err, nats.ErrObjectNotFound) {
		return fmt.Errorf("failed to delete object '%s' from bucket '%s': %w", key, n.bucket, err)
	}

	return nil
}
