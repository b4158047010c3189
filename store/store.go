// Package store is the durable record of wallets, challenges and solutions.
//
// Every mutation runs inside an exclusive leveldb transaction, so a
// read-check-write sequence is linearized against all other writers and a
// multi-record update either lands fully or not at all.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	lvlutil "github.com/syndtr/goleveldb/leveldb/util"
	"go.uber.org/zap"

	"github.com/midnightgpu/orchestrator/logging"
	"github.com/midnightgpu/orchestrator/types"
	"github.com/midnightgpu/orchestrator/util"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

const (
	walletPrefix    = "w/"
	challengePrefix = "c/"
	solutionPrefix  = "s/"
	pendingPrefix   = "p/"
)

type reader interface {
	Get(key []byte, ro *opt.ReadOptions) ([]byte, error)
	NewIterator(slice *lvlutil.Range, ro *opt.ReadOptions) iterator.Iterator
}

type writer interface {
	Put(key, value []byte, wo *opt.WriteOptions) error
	Delete(key []byte, wo *opt.WriteOptions) error
}

type txn interface {
	reader
	writer
}

type Store struct {
	db   *leveldb.DB
	path string

	closeOnce sync.Once
}

func Open(ctx context.Context, path string) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, types.NewStorageError("open "+path, err)
	}
	logging.FromContext(ctx).Info("opened state store", zap.String("path", path))
	return &Store{db: db, path: path}, nil
}

func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if cerr := s.db.Close(); cerr != nil {
			err = types.NewStorageError("close", cerr)
		}
	})
	return err
}

// update runs fn in an exclusive transaction. The transaction is committed
// only when fn succeeds; otherwise none of its writes are applied.
func (s *Store) update(op string, fn func(tx txn) error) error {
	tx, err := s.db.OpenTransaction()
	if err != nil {
		return types.NewStorageError(op, err)
	}
	if err := fn(tx); err != nil {
		tx.Discard()
		return err
	}
	if err := tx.Commit(); err != nil {
		tx.Discard()
		return types.NewStorageError(op, err)
	}
	return nil
}

func get(r reader, op string, key []byte, v any) error {
	data, err := r.Get(key, nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
		return ErrNotFound
	case err != nil:
		return types.NewStorageError(op, err)
	}
	if err := util.Decode(data, v); err != nil {
		return types.NewStorageError(op, fmt.Errorf("record %q: %w", key, err))
	}
	return nil
}

func put(w writer, op string, key []byte, v any) error {
	data, err := util.Encode(v)
	if err != nil {
		return types.NewStorageError(op, err)
	}
	if err := w.Put(key, data, nil); err != nil {
		return types.NewStorageError(op, err)
	}
	return nil
}

// scan decodes every record under prefix and hands it to fn.
func scan[T any](r reader, op, prefix string, fn func(key []byte, v *T) error) error {
	it := r.NewIterator(lvlutil.BytesPrefix([]byte(prefix)), nil)
	defer it.Release()
	for it.Next() {
		v := new(T)
		if err := util.Decode(it.Value(), v); err != nil {
			return types.NewStorageError(op, fmt.Errorf("record %q: %w", it.Key(), err))
		}
		if err := fn(it.Key(), v); err != nil {
			return err
		}
	}
	if err := it.Error(); err != nil {
		return types.NewStorageError(op, err)
	}
	return nil
}
