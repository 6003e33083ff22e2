package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ErrNotFound is returned by Load and Get for an unknown name.
var ErrNotFound = errors.New("archive entry not found")

// Storage is a flat namespace of named blobs.
type Storage interface {
	Save(ctx context.Context, name string, data io.Reader) error
	Load(ctx context.Context, name string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, name string) error
}

// Archive stores JSON documents in a Storage.
type Archive struct {
	storage Storage
}

func New(storage Storage) *Archive {
	return &Archive{storage: storage}
}

func (a *Archive) Put(ctx context.Context, name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	if err := a.storage.Save(ctx, name, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("save %s: %w", name, err)
	}
	return nil
}

func (a *Archive) Get(ctx context.Context, name string, v any) error {
	r, err := a.storage.Load(ctx, name)
	if err != nil {
		return err
	}
	defer r.Close()
	if err := json.NewDecoder(r).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", name, err)
	}
	return nil
}

func (a *Archive) List(ctx context.Context, prefix string) ([]string, error) {
	return a.storage.List(ctx, prefix)
}

func (a *Archive) Delete(ctx context.Context, name string) error {
	return a.storage.Delete(ctx, name)
}
