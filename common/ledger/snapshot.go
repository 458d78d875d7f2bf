package ledger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/klauspost/compress/zstd"

	"github.com/chittyos/evidence-ledger/common/codec"
	"github.com/chittyos/evidence-ledger/common/models"
)

const (
	snapshotFileName = "snapshot.cbor.zst"
	snapshotVersion  = 1
)

// zstd encoders and decoders are safe for concurrent use and costly to build
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("ledger: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("ledger: zstd decoder initialization failed: " + err.Error())
	}
}

type snapshot struct {
	Version int                    `cbor:"1,keyasint"`
	NextSeq int64                  `cbor:"2,keyasint"`
	Records []*models.FileRecord   `cbor:"3,keyasint"`
	Events  []models.FileEvent     `cbor:"4,keyasint"`
	Runs    []*models.IngestionRun `cbor:"5,keyasint"`
	Meta    map[string]string      `cbor:"6,keyasint,omitempty"`
}

func (s *state) snapshot() *snapshot {
	snap := &snapshot{Version: snapshotVersion, NextSeq: s.nextSeq, Meta: s.meta}
	for _, rec := range s.records {
		snap.Records = append(snap.Records, rec)
	}
	sort.Slice(snap.Records, func(i, j int) bool {
		return snap.Records[i].ContentDigest < snap.Records[j].ContentDigest
	})
	for _, evs := range s.events {
		snap.Events = append(snap.Events, evs...)
	}
	sort.Slice(snap.Events, func(i, j int) bool { return snap.Events[i].Seq < snap.Events[j].Seq })
	for _, run := range s.runs {
		snap.Runs = append(snap.Runs, run)
	}
	sort.Slice(snap.Runs, func(i, j int) bool {
		return snap.Runs[i].RunID.String() < snap.Runs[j].RunID.String()
	})
	return snap
}

func stateFromSnapshot(snap *snapshot) *state {
	st := newState()
	for _, rec := range snap.Records {
		st.apply(&entry{Record: rec})
	}
	st.apply(&entry{Events: snap.Events})
	for _, run := range snap.Runs {
		st.apply(&entry{Run: run})
	}
	st.apply(&entry{Meta: snap.Meta})
	if snap.NextSeq > st.nextSeq {
		st.nextSeq = snap.NextSeq
	}
	return st
}

// loadSnapshot returns an empty state when no snapshot exists yet
func loadSnapshot(dir string) (*state, error) {
	data, err := os.ReadFile(filepath.Join(dir, snapshotFileName))
	if errors.Is(err, os.ErrNotExist) {
		return newState(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	raw, err := zstdDecoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: snapshot: %v", ErrCorrupt, err)
	}
	var snap snapshot
	if err := codec.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("%w: snapshot: %v", ErrCorrupt, err)
	}
	if snap.Version != snapshotVersion {
		return nil, fmt.Errorf("unsupported snapshot version %d", snap.Version)
	}
	return stateFromSnapshot(&snap), nil
}

func writeSnapshot(dir string, snap *snapshot) error {
	raw, err := codec.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return writeFileAtomic(dir, snapshotFileName, zstdEncoder.EncodeAll(raw, nil))
}

// writeFileAtomic writes temp file, fsync, rename, then fsyncs the directory
// so the rename itself survives a crash.
func writeFileAtomic(dir, name string, data []byte) error {
	target := filepath.Join(dir, name)
	tmp := target + ".tmp"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to fsync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename %s: %w", tmp, err)
	}
	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("failed to open dir %s: %w", dir, err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("failed to fsync dir %s: %w", dir, err)
	}
	return nil
}
