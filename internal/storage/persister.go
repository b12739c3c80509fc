package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/eddiefleurent/tomking_plm/internal/models"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

const (
	// SchemaVersion tags every snapshot written by this package.
	SchemaVersion = "plm/v1"
	// SnapshotPrefix is the key prefix for snapshot blobs.
	SnapshotPrefix = "snapshots/snapshot-"
	// DefaultRetain is the number of snapshots kept by Prune.
	DefaultRetain = 7

	keyTimeFormat = "20060102T150405.000000000Z"
)

// Snapshot is the persisted form of the non-closed position set.
type Snapshot struct {
	TakenAt       time.Time         `json:"taken_at"`
	SchemaVersion string            `json:"schema_version"`
	Positions     []json.RawMessage `json:"positions"`
}

// SnapshotResult is the outcome of serializing a position set.
type SnapshotResult struct {
	Snapshot      Snapshot
	Failures      []*SerializationError
	Serialized    int
	SkippedClosed int
}

// RestoreResult is the outcome of decoding a snapshot.
type RestoreResult struct {
	TakenAt     time.Time
	Key         string
	Positions   []*models.Position
	Unrecovered []UnrecoveredRecord
}

// Persister writes and reads snapshots through a BlobStore.
type Persister struct {
	store  BlobStore
	logger logrus.FieldLogger
	now    func() time.Time
}

// NewPersister creates a persister over store.
func NewPersister(store BlobStore, logger logrus.FieldLogger) *Persister {
	if store == nil {
		panic("storage.NewPersister: store cannot be nil")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Persister{store: store, logger: logger.WithField("component", "persistence"), now: time.Now}
}

// SnapshotKey returns the blob key for a snapshot taken at t.
// Keys sort lexically in time order.
func SnapshotKey(t time.Time) string {
	return SnapshotPrefix + t.UTC().Format(keyTimeFormat) + ".json"
}

// Snapshot serializes every non-closed position. A position that fails to
// serialize or round-trip is reported in Failures and left out; the rest are kept.
func (p *Persister) Snapshot(positions []*models.Position) SnapshotResult {
	res := SnapshotResult{
		Snapshot: Snapshot{
			SchemaVersion: SchemaVersion,
			TakenAt:       p.now().UTC(),
			Positions:     make([]json.RawMessage, 0, len(positions)),
		},
	}
	for _, pos := range positions {
		if pos == nil {
			continue
		}
		if pos.Status().IsClosed() {
			res.SkippedClosed++
			continue
		}
		raw, failures := serializePosition(pos)
		if len(failures) > 0 {
			for _, f := range failures {
				p.logger.WithFields(logrus.Fields{
					"position_id": f.PositionID,
					"leg_id":      f.LegID,
					"role":        f.Role,
				}).WithError(f.Err).Error("Position left out of snapshot")
			}
			res.Failures = append(res.Failures, failures...)
			continue
		}
		res.Snapshot.Positions = append(res.Snapshot.Positions, raw)
		res.Serialized++
	}
	return res
}

// serializePosition marshals a position and checks it decodes back to a valid position.
// When marshaling fails, each leg is tried alone to name the offending legs.
func serializePosition(pos *models.Position) (json.RawMessage, []*SerializationError) {
	raw, err := json.Marshal(pos)
	if err != nil {
		var failures []*SerializationError
		for _, legs := range [][]*models.Leg{pos.Legs, pos.RolledLegs} {
			for _, leg := range legs {
				if _, legErr := json.Marshal(leg); legErr != nil {
					failures = append(failures, &SerializationError{PositionID: pos.ID, LegID: leg.ID, Role: leg.Role, Err: legErr})
				}
			}
		}
		if len(failures) == 0 {
			failures = append(failures, &SerializationError{PositionID: pos.ID, Err: err})
		}
		return nil, failures
	}

	var back models.Position
	if err := json.Unmarshal(raw, &back); err != nil {
		return nil, []*SerializationError{{PositionID: pos.ID, Err: fmt.Errorf("round trip: %w", err)}}
	}
	if err := back.Validate(); err != nil {
		return nil, []*SerializationError{{PositionID: pos.ID, Err: fmt.Errorf("round trip: %w", err)}}
	}
	return raw, nil
}

// Encode renders a snapshot as JSON.
func Encode(s Snapshot) ([]byte, error) {
	return json.MarshalIndent(s, "", "  ")
}

// Restore decodes a snapshot. An unknown schema version fails with
// IncompatibleSnapshotError; individual unreadable positions are skipped and
// reported in Unrecovered.
func (p *Persister) Restore(data []byte) (RestoreResult, error) {
	var res RestoreResult
	if !gjson.ValidBytes(data) {
		return res, ErrCorruptSnapshot
	}
	envelope := gjson.ParseBytes(data)
	if !envelope.IsObject() {
		return res, fmt.Errorf("%w: envelope is not an object", ErrCorruptSnapshot)
	}
	if version := envelope.Get("schema_version").String(); version != SchemaVersion {
		return res, &IncompatibleSnapshotError{Found: version, Expected: SchemaVersion}
	}
	if ts := envelope.Get("taken_at"); ts.Exists() {
		if t, err := time.Parse(time.RFC3339Nano, ts.String()); err == nil {
			res.TakenAt = t
		}
	}

	positions := envelope.Get("positions")
	if positions.Exists() && !positions.IsArray() {
		return res, fmt.Errorf("%w: positions is not an array", ErrCorruptSnapshot)
	}
	index := 0
	positions.ForEach(func(_, value gjson.Result) bool {
		i := index
		index++
		id := value.Get("id").String()

		var pos models.Position
		err := json.Unmarshal([]byte(value.Raw), &pos)
		if err == nil {
			err = pos.Validate()
		}
		if err != nil {
			res.Unrecovered = append(res.Unrecovered, UnrecoveredRecord{Index: i, PositionID: id, Reason: err.Error(), Err: err})
			p.logger.WithFields(logrus.Fields{"position_id": id, "index": i}).WithError(err).Error("Unrecovered position in snapshot")
			return true
		}
		res.Positions = append(res.Positions, &pos)
		return true
	})
	return res, nil
}

// Save snapshots positions and writes the result. Per-position failures are
// logged and returned in the result; only a failed write returns an error.
func (p *Persister) Save(ctx context.Context, positions []*models.Position) (string, SnapshotResult, error) {
	res := p.Snapshot(positions)
	data, err := Encode(res.Snapshot)
	if err != nil {
		return "", res, fmt.Errorf("encode snapshot: %w", err)
	}
	key := SnapshotKey(res.Snapshot.TakenAt)
	if err := p.store.Put(ctx, key, data); err != nil {
		return "", res, fmt.Errorf("write snapshot %s: %w", key, err)
	}
	p.logger.WithFields(logrus.Fields{
		"key":       key,
		"positions": res.Serialized,
		"failures":  len(res.Failures),
	}).Info("Snapshot saved")
	return key, res, nil
}

// ListSnapshots returns snapshot keys, newest first.
func (p *Persister) ListSnapshots(ctx context.Context) ([]string, error) {
	keys, err := p.store.List(ctx, SnapshotPrefix)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	filtered := keys[:0]
	for _, k := range keys {
		if strings.HasSuffix(k, ".json") {
			filtered = append(filtered, k)
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(filtered)))
	return filtered, nil
}

// LoadLatest restores the newest readable snapshot. Snapshots whose envelope is
// unreadable are skipped in favour of older ones; a schema mismatch stops the
// search and is returned as IncompatibleSnapshotError.
func (p *Persister) LoadLatest(ctx context.Context) (RestoreResult, error) {
	keys, err := p.ListSnapshots(ctx)
	if err != nil {
		return RestoreResult{}, err
	}
	for _, key := range keys {
		data, err := p.store.Get(ctx, key)
		if err != nil {
			p.logger.WithField("key", key).WithError(err).Warn("Snapshot unreadable, trying older one")
			continue
		}
		res, err := p.Restore(data)
		var incompatible *IncompatibleSnapshotError
		if errors.As(err, &incompatible) {
			incompatible.Key = key
			return RestoreResult{}, incompatible
		}
		if err != nil {
			p.logger.WithField("key", key).WithError(err).Warn("Snapshot corrupt, trying older one")
			continue
		}
		res.Key = key
		p.logger.WithFields(logrus.Fields{
			"key":         key,
			"positions":   len(res.Positions),
			"unrecovered": len(res.Unrecovered),
		}).Info("Snapshot restored")
		return res, nil
	}
	return RestoreResult{}, ErrNoSnapshot
}

// Prune deletes snapshots beyond the newest retain, oldest first.
func (p *Persister) Prune(ctx context.Context, retain int) ([]string, error) {
	if retain < 1 {
		retain = 1
	}
	keys, err := p.ListSnapshots(ctx)
	if err != nil {
		return nil, err
	}
	if len(keys) <= retain {
		return nil, nil
	}
	stale := keys[retain:]
	deleted := make([]string, 0, len(stale))
	var errs []error
	for i := len(stale) - 1; i >= 0; i-- {
		if err := p.store.Delete(ctx, stale[i]); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", stale[i], err))
			continue
		}
		deleted = append(deleted, stale[i])
	}
	if len(deleted) > 0 {
		p.logger.WithFields(logrus.Fields{"deleted": len(deleted), "retained": retain}).Info("Pruned old snapshots")
	}
	return deleted, errors.Join(errs...)
}
