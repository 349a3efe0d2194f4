package optimizer

import (
	"bytes"
	"encoding/gob"
	"os"

	"github.com/pkg/errors"
)

// Snapshot is the persisted, resumable state written to status.snapshot
// at the end of every iteration. The payload is gob-encoded, the same
// binary encoding the wire package already uses.
type Snapshot struct {
	Metric   string
	Minimize bool
	Kind     string
	Payload  []byte
}

// Save gob-encodes snap to path.
func Save(path string, snap Snapshot) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&snap); err != nil {
		return errors.Wrap(err, "encode optimizer snapshot")
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return errors.Wrapf(err, "write optimizer snapshot to %s", path)
	}
	return nil
}

// Load reads and decodes a Snapshot from path. A missing file is not an
// error: the caller starts a fresh run in that case (ok=false).
func Load(path string) (snap Snapshot, ok bool, err error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, errors.Wrapf(err, "read optimizer snapshot from %s", path)
	}
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&snap); err != nil {
		return Snapshot{}, false, errors.Wrap(err, "decode optimizer snapshot")
	}
	return snap, true, nil
}

// CheckResumable rejects resuming a snapshot that was optimizing a
// different metric or direction.
func CheckResumable(snap Snapshot, metric string, minimize bool) error {
	if snap.Metric != metric || snap.Minimize != minimize {
		return &ErrMetricMismatch{
			SnapshotMetric:    snap.Metric,
			SnapshotMinimize:  snap.Minimize,
			RequestedMetric:   metric,
			RequestedMinimize: minimize,
		}
	}
	return nil
}
