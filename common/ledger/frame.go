package ledger

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/google/uuid"

	"github.com/chittyos/evidence-ledger/common/models"
)

// Log frame layout: [u32 payload length][u32 CRC32C of payload][payload].
// The payload is one CBOR-encoded entry.
const (
	frameHeaderSize = 8
	maxFrameSize    = 64 << 20
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// entry is the unit of atomicity in the log: a full record image together
// with the events it produced, a run image, or ledger settings.
type entry struct {
	Record *models.FileRecord   `cbor:"1,keyasint,omitempty"`
	Events []models.FileEvent   `cbor:"2,keyasint,omitempty"`
	Run    *models.IngestionRun `cbor:"3,keyasint,omitempty"`
	Meta   map[string]string    `cbor:"4,keyasint,omitempty"`
}

func encodeFrame(payload []byte) []byte {
	frame := make([]byte, frameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(frame[0:4], uint32(len(payload)))
	binary.BigEndian.PutUint32(frame[4:8], crc32.Checksum(payload, crcTable))
	copy(frame[frameHeaderSize:], payload)
	return frame
}

// readFrames calls fn for every intact frame in r, which holds size bytes.
// It returns the offset just past the last intact frame and whether the log
// ends in a torn write (a frame cut short, or a bad checksum on the final
// frame). A bad checksum followed by more data is corruption.
func readFrames(r io.Reader, size int64, fn func(payload []byte) error) (int64, bool, error) {
	br := bufio.NewReaderSize(r, 1<<20)
	header := make([]byte, frameHeaderSize)

	var offset int64
	for {
		_, err := io.ReadFull(br, header)
		if errors.Is(err, io.EOF) {
			return offset, false, nil
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return offset, true, nil
		}
		if err != nil {
			return offset, false, fmt.Errorf("read frame header at %d: %w", offset, err)
		}

		length := binary.BigEndian.Uint32(header[0:4])
		sum := binary.BigEndian.Uint32(header[4:8])
		end := offset + frameHeaderSize + int64(length)
		if end > size {
			return offset, true, nil
		}
		if length > maxFrameSize {
			return offset, false, fmt.Errorf("%w: frame at %d claims %d bytes", ErrCorrupt, offset, length)
		}

		payload := make([]byte, length)
		if _, err := io.ReadFull(br, payload); err != nil {
			return offset, false, fmt.Errorf("read frame at %d: %w", offset, err)
		}
		if crc32.Checksum(payload, crcTable) != sum {
			if end == size {
				return offset, true, nil
			}
			return offset, false, fmt.Errorf("%w: checksum mismatch in frame at %d", ErrCorrupt, offset)
		}
		if err := fn(payload); err != nil {
			return offset, false, fmt.Errorf("%w: frame at %d: %v", ErrCorrupt, offset, err)
		}
		offset = end
	}
}

// state is the in-memory image rebuilt from snapshot and log
type state struct {
	records map[string]*models.FileRecord
	owners  map[string]string // external id -> digest
	events  map[string][]models.FileEvent
	runs    map[uuid.UUID]*models.IngestionRun
	meta    map[string]string
	nextSeq int64
}

func newState() *state {
	return &state{
		records: make(map[string]*models.FileRecord),
		owners:  make(map[string]string),
		events:  make(map[string][]models.FileEvent),
		runs:    make(map[uuid.UUID]*models.IngestionRun),
		meta:    make(map[string]string),
		nextSeq: 1,
	}
}

// apply folds an entry into the state. Images replace, events are
// deduplicated by sequence number, so replaying a frame that is also in the
// snapshot changes nothing.
func (s *state) apply(e *entry) {
	if e.Record != nil {
		rec := e.Record.Clone()
		s.records[rec.ContentDigest] = rec
		if id := rec.ID(); id != "" {
			s.owners[id] = rec.ContentDigest
		}
	}
	for _, ev := range e.Events {
		if ev.Seq < s.nextSeq {
			continue
		}
		s.events[ev.ContentDigest] = append(s.events[ev.ContentDigest], ev)
		s.nextSeq = ev.Seq + 1
	}
	if e.Run != nil {
		s.runs[e.Run.RunID] = e.Run.Clone()
	}
	for k, v := range e.Meta {
		s.meta[k] = v
	}
}
