// Package ledger records update runs and the embedding model that built the index.
package ledger

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

var (
	bucketRuns = []byte("runs")
	bucketMeta = []byte("meta")
	keyModel   = []byte("model")
	keyDims    = []byte("dimensions")

	// The identity of the snapshot copied to .bak by the last write.
	keyPrevModel = []byte("prev_model")
	keyPrevDims  = []byte("prev_dimensions")
)

// ErrLocked is returned by Open when another process holds the database.
var ErrLocked = errors.New("ledger is locked by another process")

// Run kinds.
const (
	KindUpdate  = "update"
	KindRebuild = "rebuild"
	KindRestore = "restore"
)

// Run statuses.
const (
	StatusOK        = "ok"
	StatusNoop      = "noop"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Run is one update or rebuild invocation.
type Run struct {
	ID                   string    `json:"id"`
	Kind                 string    `json:"kind"`
	Status               string    `json:"status"`
	StartedAt            time.Time `json:"started_at"`
	FinishedAt           time.Time `json:"finished_at"`
	Received             int       `json:"received"`
	Added                int       `json:"added"`
	DuplicateID          int       `json:"duplicate_id"`
	DuplicateFingerprint int       `json:"duplicate_fingerprint"`
	Total                int       `json:"total"`
	Dimensions           int       `json:"dimensions"`
	Model                string    `json:"model"`
	Error                string    `json:"error,omitempty"`
}

// Duration returns how long the run took.
func (r *Run) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Succeeded reports whether the run left the snapshot in a committed state.
func (r *Run) Succeeded() bool {
	return r.Status == StatusOK || r.Status == StatusNoop
}

// Identity is the embedding model and width of the last run that wrote vectors.
type Identity struct {
	Model      string
	Dimensions int
}

// Ledger is a bbolt-backed run history.
type Ledger struct {
	db *bbolt.DB
}

// Open opens or creates the ledger database at path.
func Open(path string) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if errors.Is(err, bbolt.ErrTimeout) {
		return nil, fmt.Errorf("%w: %s", ErrLocked, path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketRuns, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Ledger{db: db}, nil
}

// Record appends run to the history, assigning an ID when it has none. A successful run
// that added vectors, and every successful rebuild, also updates the model identity.
func (l *Ledger) Record(run *Run) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	data, err := json.Marshal(run)
	if err != nil {
		return err
	}
	return l.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRuns)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		if err := b.Put(itob(seq), data); err != nil {
			return err
		}
		if run.Status == StatusOK && (run.Added > 0 || run.Kind == KindRebuild) {
			meta := tx.Bucket(bucketMeta)
			if err := copyIdentity(meta, keyModel, keyDims, keyPrevModel, keyPrevDims); err != nil {
				return err
			}
			if err := meta.Put(keyModel, []byte(run.Model)); err != nil {
				return err
			}
			return meta.Put(keyDims, itob(uint64(run.Dimensions)))
		}
		return nil
	})
}

// RecordRestore records a restore of the .bak snapshot holding vectors entries. The model
// identity reverts to that of the snapshot the last write replaced; when that is unknown the
// identity is cleared.
func (l *Ledger) RecordRestore(vectors int) (*Run, error) {
	now := time.Now().UTC()
	run := &Run{
		ID:         uuid.New().String(),
		Kind:       KindRestore,
		Status:     StatusOK,
		StartedAt:  now,
		FinishedAt: now,
		Total:      vectors,
	}
	err := l.db.Update(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		if err := copyIdentity(meta, keyPrevModel, keyPrevDims, keyModel, keyDims); err != nil {
			return err
		}
		if model := meta.Get(keyModel); model != nil {
			run.Model = string(model)
		}
		if d := meta.Get(keyDims); len(d) == 8 {
			run.Dimensions = int(binary.BigEndian.Uint64(d))
		}
		data, err := json.Marshal(run)
		if err != nil {
			return err
		}
		b := tx.Bucket(bucketRuns)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		return b.Put(itob(seq), data)
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

// copyIdentity copies the identity under srcModel/srcDims to dstModel/dstDims, deleting the
// destination when the source is unset.
func copyIdentity(meta *bbolt.Bucket, srcModel, srcDims, dstModel, dstDims []byte) error {
	model := meta.Get(srcModel)
	if model == nil {
		if err := meta.Delete(dstModel); err != nil {
			return err
		}
		return meta.Delete(dstDims)
	}
	if err := meta.Put(dstModel, append([]byte(nil), model...)); err != nil {
		return err
	}
	if d := meta.Get(srcDims); d != nil {
		return meta.Put(dstDims, append([]byte(nil), d...))
	}
	return meta.Delete(dstDims)
}

// List returns up to limit runs, newest first. limit <= 0 returns every run.
func (l *Ledger) List(limit int) ([]*Run, error) {
	var runs []*Run
	err := l.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketRuns).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(runs) >= limit {
				break
			}
			var r Run
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("decode run %d: %w", binary.BigEndian.Uint64(k), err)
			}
			runs = append(runs, &r)
		}
		return nil
	})
	return runs, err
}

// LastSuccessful returns the newest successful run, or nil when there is none.
func (l *Ledger) LastSuccessful() (*Run, error) {
	var found *Run
	err := l.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketRuns).Cursor()
		for _, v := c.Last(); v != nil; _, v = c.Prev() {
			var r Run
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			if r.Succeeded() {
				found = &r
				return nil
			}
		}
		return nil
	})
	return found, err
}

// Identity returns the model identity, or nil when no run has written vectors yet.
func (l *Ledger) Identity() (*Identity, error) {
	var id *Identity
	err := l.db.View(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		model := meta.Get(keyModel)
		if model == nil {
			return nil
		}
		id = &Identity{Model: string(model)}
		if d := meta.Get(keyDims); len(d) == 8 {
			id.Dimensions = int(binary.BigEndian.Uint64(d))
		}
		return nil
	})
	return id, err
}

// Close closes the database.
func (l *Ledger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
