// Package store persists units, run history, and checkpoints in BadgerDB.
//
// Units are single records updated via atomic read-modify-write
// transactions. Runs and checkpoints are append-only per unit. Key layout:
//
//	unit/<project>/<id>
//	run/<unit>/<nanos>-<suffix>
//	checkpoint/<unit>/<nanos>-<suffix>
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conductd/internal/feature"
)

// maxTxnRetries bounds retries on Badger transaction conflicts.
const maxTxnRetries = 10

// Store is a BadgerDB-backed record store for the orchestrator.
type Store struct {
	db     *badger.DB
	logger *zap.Logger
}

// Open opens the store with the given configuration.
func Open(cfg Config, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := openBadger(cfg, logger)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, logger: logger}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func unitKey(projectID, unitID string) []byte {
	return []byte(fmt.Sprintf("unit/%s/%s", projectID, unitID))
}

func unitPrefix(projectID string) []byte {
	return []byte(fmt.Sprintf("unit/%s/", projectID))
}

// appendKey builds a time-ordered key for append-only records. The UUID
// suffix disambiguates same-nanosecond appends.
func appendKey(kind, unitID string) []byte {
	suffix := uuid.New().String()[:8]
	return []byte(fmt.Sprintf("%s/%s/%020d-%s", kind, unitID, time.Now().UnixNano(), suffix))
}

// PutUnit stores a unit record, replacing any existing record.
func (s *Store) PutUnit(ctx context.Context, u *feature.Unit) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("encoding unit %s: %w", u.ID, err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(unitKey(u.ProjectID, u.ID), data)
	})
	if err != nil {
		return fmt.Errorf("storing unit %s: %w", u.ID, err)
	}
	return nil
}

// GetUnit loads one unit record.
func (s *Store) GetUnit(ctx context.Context, projectID, unitID string) (*feature.Unit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var u feature.Unit
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(unitKey(projectID, unitID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &u)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", feature.ErrUnitNotFound, unitID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading unit %s: %w", unitID, err)
	}
	return &u, nil
}

// UpdateUnit applies fn to the unit inside one transaction. The read, the
// mutation, and the write commit atomically; concurrent writers to the same
// key are retried on conflict. The updated unit is returned.
func (s *Store) UpdateUnit(ctx context.Context, projectID, unitID string, fn func(*feature.Unit) error) (*feature.Unit, error) {
	var updated *feature.Unit
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		err := s.db.Update(func(txn *badger.Txn) error {
			item, err := txn.Get(unitKey(projectID, unitID))
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("%w: %s", feature.ErrUnitNotFound, unitID)
			}
			if err != nil {
				return err
			}
			var u feature.Unit
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &u)
			}); err != nil {
				return err
			}
			if err := fn(&u); err != nil {
				return err
			}
			u.UpdatedAt = time.Now().UTC()
			data, err := json.Marshal(&u)
			if err != nil {
				return err
			}
			updated = &u
			return txn.Set(unitKey(projectID, unitID), data)
		})
		if errors.Is(err, badger.ErrConflict) && attempt < maxTxnRetries {
			s.logger.Debug("retrying conflicting unit update",
				zap.String("unit", unitID), zap.Int("attempt", attempt+1))
			time.Sleep(time.Duration(attempt+1) * time.Millisecond)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("updating unit %s: %w", unitID, err)
		}
		return updated, nil
	}
}

// ListUnits returns all units of a project.
func (s *Store) ListUnits(ctx context.Context, projectID string) ([]*feature.Unit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var units []*feature.Unit
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		prefix := unitPrefix(projectID)
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var u feature.Unit
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &u)
			}); err != nil {
				return err
			}
			units = append(units, &u)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing units for project %s: %w", projectID, err)
	}
	return units, nil
}

// AppendRun durably appends a closed run record to the unit's history.
func (s *Store) AppendRun(ctx context.Context, run *feature.Run) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("encoding run for unit %s: %w", run.UnitID, err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(appendKey("run", run.UnitID), data)
	})
	if err != nil {
		return fmt.Errorf("appending run for unit %s: %w", run.UnitID, err)
	}
	return nil
}

// ListRuns returns a unit's run history in append order.
func (s *Store) ListRuns(ctx context.Context, unitID string) ([]*feature.Run, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var runs []*feature.Run
	prefix := []byte(fmt.Sprintf("run/%s/", unitID))
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var r feature.Run
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &r)
			}); err != nil {
				return err
			}
			runs = append(runs, &r)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing runs for unit %s: %w", unitID, err)
	}
	return runs, nil
}

// AppendCheckpoint records a sandbox head observation.
func (s *Store) AppendCheckpoint(ctx context.Context, cp *feature.Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encoding checkpoint for unit %s: %w", cp.UnitID, err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(appendKey("checkpoint", cp.UnitID), data)
	})
	if err != nil {
		return fmt.Errorf("appending checkpoint for unit %s: %w", cp.UnitID, err)
	}
	return nil
}

// LatestCheckpoint returns the most recent observation for a unit, or nil
// when none has been recorded.
func (s *Store) LatestCheckpoint(ctx context.Context, unitID string) (*feature.Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var cp *feature.Checkpoint
	prefix := []byte(fmt.Sprintf("checkpoint/%s/", unitID))
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()
		// Reverse iteration starts just past the prefix range.
		seek := append(append([]byte{}, prefix...), 0xff)
		it.Seek(seek)
		if !it.ValidForPrefix(prefix) {
			return nil
		}
		var c feature.Checkpoint
		if err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &c)
		}); err != nil {
			return err
		}
		cp = &c
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("loading checkpoint for unit %s: %w", unitID, err)
	}
	return cp, nil
}
