package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const badgerKeyPrefix = "session/"

// BadgerConfig controls the embedded document store.
type BadgerConfig struct {
	Path     string
	InMemory bool
	Logger   *slog.Logger
}

// BadgerStore keeps each session as one JSON document in an embedded badger
// database. ApplyTurn runs inside a single read-write transaction.
type BadgerStore struct {
	db  *badger.DB
	now func() time.Time
}

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func NewBadgerStore(cfg BadgerConfig) (*BadgerStore, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, errors.New("badger path is required for a persistent store")
		}
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create badger directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path).WithSyncWrites(true)
	}
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return &BadgerStore{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}, nil
}

// SetClock overrides the time source.
func (b *BadgerStore) SetClock(now func() time.Time) {
	b.now = now
}

func (b *BadgerStore) Create(_ context.Context, params CreateParams) (*Session, error) {
	s, err := newSession(params, b.now())
	if err != nil {
		return nil, err
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		return putSession(txn, s)
	})
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return s, nil
}

func (b *BadgerStore) Get(_ context.Context, sessionID string) (*Session, error) {
	var out *Session
	err := b.db.Update(func(txn *badger.Txn) error {
		s, err := getSession(txn, sessionID)
		if err != nil {
			return err
		}
		out = s
		if expire(s, b.now()) {
			return putSession(txn, s)
		}
		return nil
	})
	if err != nil {
		return nil, b.wrap("get session", err)
	}
	if out.Status == StatusTimeout {
		return nil, ErrNotFound
	}
	return out, nil
}

func (b *BadgerStore) ApplyTurn(_ context.Context, sessionID string, update Update) (*Session, error) {
	var (
		out     *Session
		expired bool
	)
	err := b.db.Update(func(txn *badger.Txn) error {
		s, err := getSession(txn, sessionID)
		if err != nil {
			return err
		}
		now := b.now()
		if expire(s, now) {
			// Commit the timeout transition; the caller still sees ErrNotFound.
			expired = true
			return putSession(txn, s)
		}
		if err := applyUpdate(s, update, now); err != nil {
			return err
		}
		if err := putSession(txn, s); err != nil {
			return err
		}
		out = s
		return nil
	})
	if err != nil {
		return nil, b.wrap("apply turn", err)
	}
	if expired {
		return nil, ErrNotFound
	}
	return out, nil
}

func (b *BadgerStore) End(_ context.Context, sessionID string) (*Session, error) {
	var out *Session
	err := b.db.Update(func(txn *badger.Txn) error {
		s, err := getSession(txn, sessionID)
		if err != nil {
			return err
		}
		now := b.now()
		if !expire(s, now) && !s.Status.Terminal() {
			s.Status = StatusClosed
			s.UpdatedAt = now
		}
		if err := putSession(txn, s); err != nil {
			return err
		}
		out = s
		return nil
	})
	if err != nil {
		return nil, b.wrap("end session", err)
	}
	if out.Status == StatusTimeout {
		return nil, ErrNotFound
	}
	return out, nil
}

func (b *BadgerStore) ActiveCount(_ context.Context) (int, error) {
	now := b.now()
	count := 0
	err := b.db.View(func(txn *badger.Txn) error {
		return eachSession(txn, func(s *Session) error {
			if !s.Status.Terminal() && !s.Expired(now) {
				count++
			}
			return nil
		})
	})
	if err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return count, nil
}

func (b *BadgerStore) ExpireStale(_ context.Context) ([]*Session, error) {
	now := b.now()
	var expired []*Session
	err := b.db.Update(func(txn *badger.Txn) error {
		var stale []*Session
		if err := eachSession(txn, func(s *Session) error {
			if expire(s, now) {
				stale = append(stale, s)
			}
			return nil
		}); err != nil {
			return err
		}
		for _, s := range stale {
			if err := putSession(txn, s); err != nil {
				return err
			}
		}
		expired = stale
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("expire sessions: %w", err)
	}
	return expired, nil
}

func (b *BadgerStore) Close() error {
	return b.db.Close()
}

func (b *BadgerStore) wrap(op string, err error) error {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrSessionClosed), errors.Is(err, ErrTurnConflict):
		return err
	case errors.Is(err, badger.ErrConflict):
		return fmt.Errorf("%s: %w: concurrent write", op, ErrTurnConflict)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

func getSession(txn *badger.Txn, sessionID string) (*Session, error) {
	item, err := txn.Get([]byte(badgerKeyPrefix + sessionID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return nil, err
	}
	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", sessionID, err)
	}
	return &s, nil
}

func putSession(txn *badger.Txn, s *Session) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", s.ID, err)
	}
	return txn.Set([]byte(badgerKeyPrefix+s.ID), raw)
}

func eachSession(txn *badger.Txn, fn func(*Session) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(badgerKeyPrefix)
	it := txn.NewIterator(opts)
	defer it.Close()
	for it.Rewind(); it.Valid(); it.Next() {
		raw, err := it.Item().ValueCopy(nil)
		if err != nil {
			return err
		}
		var s Session
		if err := json.Unmarshal(raw, &s); err != nil {
			return fmt.Errorf("decode session %s: %w", it.Item().Key(), err)
		}
		if err := fn(&s); err != nil {
			return err
		}
	}
	return nil
}
