// Package objectstore keeps narration artifacts in NATS JetStream object
// buckets: source texts in one bucket, finished audio in another. Each
// Bucket value is bound to a single bucket and satisfies core.ObjectStore.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Metadata keys recorded on uploaded audio objects.
const (
	MetaModel       = "model"
	MetaVoice       = "voice"
	MetaContentType = "content-type"

	// ContentTypeWAV is the content type of every narration output.
	ContentTypeWAV = "audio/wav"
)

// Bucket is one JetStream object-store bucket.
type Bucket struct {
	name  string
	store nats.ObjectStore
}

// New creates the named bucket, or binds to it when it already exists.
func New(js nats.JetStreamContext, name, description string) (*Bucket, error) {
	store, err := js.CreateObjectStore(&nats.ObjectStoreConfig{
		Bucket:      name,
		Description: description,
		Storage:     nats.FileStorage,
		Replicas:    1,
	})
	if err != nil {
		if !errors.Is(err, jetstream.ErrBucketExists) {
			return nil, fmt.Errorf("create object bucket %q: %w", name, err)
		}

		store, err = js.ObjectStore(name)
		if err != nil {
			return nil, fmt.Errorf("bind object bucket %q: %w", name, err)
		}
	}

	return &Bucket{name: name, store: store}, nil
}

// Name returns the bucket name.
func (b *Bucket) Name() string {
	return b.name
}

// Download reads the whole object for key.
func (b *Bucket) Download(_ context.Context, key string) ([]byte, error) {
	obj, err := b.store.Get(key)
	if err != nil {
		return nil, fmt.Errorf("get object %q from bucket %q: %w", key, b.name, err)
	}

	data, readErr := io.ReadAll(obj)
	closeErr := obj.Close()

	if readErr != nil {
		return nil, fmt.Errorf("read object %q: %w", key, readErr)
	}

	if closeErr != nil {
		return data, fmt.Errorf("close object %q: %w", key, closeErr)
	}

	return data, nil
}

// Upload stores data under key with the given metadata. An existing object
// with the same key is replaced.
func (b *Bucket) Upload(_ context.Context, key string, data []byte, meta map[string]string) error {
	_, err := b.store.Put(&nats.ObjectMeta{
		Name:     key,
		Metadata: meta,
	}, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("put object %q to bucket %q: %w", key, b.name, err)
	}

	return nil
}

// Delete removes the object for key.
func (b *Bucket) Delete(_ context.Context, key string) error {
	err := b.store.Delete(key)
	if err != nil {
		return fmt.Errorf("delete object %q from bucket %q: %w", key, b.name, err)
	}

	return nil
}

// AudioMeta builds the metadata recorded on one narration output.
func AudioMeta(modelKey, voice string) map[string]string {
	return map[string]string{
		MetaModel:       modelKey,
		MetaVoice:       voice,
		MetaContentType: ContentTypeWAV,
	}
}
