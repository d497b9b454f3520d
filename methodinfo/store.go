// ABOUTME: Persists method info blobs in a bbolt database keyed by method name
// ABOUTME: Lets root maps of a finished run be inspected offline

package methodinfo

import (
	"os"
	"path/filepath"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"go.etcd.io/bbolt"
)

var methodsBucket = []byte("methods")

// ErrNoMethod is returned by Get for unknown names
var ErrNoMethod = errors.New("method not found")

// BoltStore stores encoded Info blobs.
type BoltStore struct {
	db     *bbolt.DB
	logger log.Logger
}

// OpenBoltStore opens or creates the database at path.
func OpenBoltStore(path string, readOnly bool, logger log.Logger) (*BoltStore, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if !readOnly {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errors.Wrap(err, "db dir")
		}
	}
	opts := *bbolt.DefaultOptions
	opts.ReadOnly = readOnly
	opts.Timeout = time.Second
	db, err := bbolt.Open(path, 0o644, &opts)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s", path)
	}
	if !readOnly {
		err = db.Update(func(tx *bbolt.Tx) error {
			_, err := tx.CreateBucketIfNotExists(methodsBucket)
			return err
		})
		if err != nil {
			_ = db.Close()
			return nil, errors.Wrap(err, "creating bucket")
		}
	}
	return &BoltStore{db: db, logger: logger}, nil
}

// Close releases the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Put stores info under its name, replacing any previous entry.
func (s *BoltStore) Put(info *Info) error {
	blob, err := info.Encode()
	if err != nil {
		return err
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(methodsBucket).Put([]byte(info.Name), blob)
	})
	if err != nil {
		return errors.Wrapf(err, "storing %s", info.Name)
	}
	level.Debug(s.logger).Log("msg", "stored method info", "method", info.Name, "bytes", len(blob))
	return nil
}

// Get loads the info stored under name.
func (s *BoltStore) Get(name string) (*Info, error) {
	var info *Info
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(methodsBucket)
		if b == nil {
			return ErrNoMethod
		}
		v := b.Get([]byte(name))
		if v == nil {
			return ErrNoMethod
		}
		var err error
		// values are only valid inside the transaction
		info, err = Decode(append([]byte(nil), v...))
		return err
	})
	if err != nil {
		return nil, errors.Wrapf(err, "loading %s", name)
	}
	return info, nil
}

// Delete removes name from the store.
func (s *BoltStore) Delete(name string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(methodsBucket).Delete([]byte(name))
	})
}

// ForEach calls fn for every stored method in name order.
func (s *BoltStore) ForEach(fn func(*Info) error) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(methodsBucket)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			info, err := Decode(append([]byte(nil), v...))
			if err != nil {
				return errors.Wrapf(err, "decoding %s", k)
			}
			return fn(info)
		})
	})
}

// LoadInto publishes every stored method into x. Methods that fail to
// publish are logged and skipped.
func (s *BoltStore) LoadInto(x *Index) (int, error) {
	n := 0
	err := s.ForEach(func(info *Info) error {
		if err := x.Publish(info); err != nil {
			level.Warn(s.logger).Log("msg", "skipping stored method", "method", info.Name, "err", err)
			return nil
		}
		n++
		return nil
	})
	return n, err
}
