package tree

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Hydration row discriminators.
const (
	SnapshotRowNode = "n"
	SnapshotRowOp   = "o"
)

var snapshotSignature = []byte{'P', 'G', 'C', 'O', 'P', 'Y', '\n', 0xFF, '\r', '\n', 0x00}

var (
	// ErrSnapshotFormat indicates a malformed hydration stream.
	ErrSnapshotFormat = errors.New("tree: malformed snapshot stream")
)

const (
	snapshotNodeColumns = 3
	snapshotOpColumns   = 8
	snapshotTrailer     = int16(-1)
)

// SnapshotWriter encodes nodes and op-log rows into the binary hydration
// format: the 11-byte signature, an int32 flags word and an int32 header
// extension, then per row an int16 column count followed by int32 lengths
// (-1 for null) and UTF-8 payloads. The first column of every row is the
// discriminator. Close emits the int16 -1 trailer.
type SnapshotWriter struct {
	w      io.Writer
	closed bool
}

// NewSnapshotWriter writes the stream header and returns the writer.
func NewSnapshotWriter(w io.Writer) (*SnapshotWriter, error) {
	if _, err := w.Write(snapshotSignature); err != nil {
		return nil, err
	}
	if err := binary.Write(w, binary.BigEndian, int32(0)); err != nil {
		return nil, err
	}
	if err := binary.Write(w, binary.BigEndian, int32(0)); err != nil {
		return nil, err
	}
	return &SnapshotWriter{w: w}, nil
}

// WriteNode encodes one materialized node row.
func (sw *SnapshotWriter) WriteNode(node Node) error {
	return sw.writeRow(snapshotNodeColumns, []*string{
		pointerTo(SnapshotRowNode),
		pointerTo(node.ID),
		node.ParentID,
	})
}

// WriteOp encodes one op-log row.
func (sw *SnapshotWriter) WriteOp(op MoveOp) error {
	return sw.writeRow(snapshotOpColumns, []*string{
		pointerTo(SnapshotRowOp),
		pointerTo(op.Timestamp),
		pointerTo(op.NodeID),
		op.OldParentID,
		pointerTo(op.NewParentID),
		pointerTo(op.ClientID),
		op.SyncTimestamp,
		pointerTo(op.LastSyncTimestamp),
	})
}

// Close writes the end-of-data trailer. The writer must not be used after.
func (sw *SnapshotWriter) Close() error {
	if sw.closed {
		return nil
	}
	sw.closed = true
	return binary.Write(sw.w, binary.BigEndian, snapshotTrailer)
}

func (sw *SnapshotWriter) writeRow(columnCount int, columns []*string) error {
	if sw.closed {
		return fmt.Errorf("%w: write after close", ErrSnapshotFormat)
	}
	var row bytes.Buffer
	if err := binary.Write(&row, binary.BigEndian, int16(columnCount)); err != nil {
		return err
	}
	for _, column := range columns {
		if column == nil {
			if err := binary.Write(&row, binary.BigEndian, int32(-1)); err != nil {
				return err
			}
			continue
		}
		payload := []byte(*column)
		if err := binary.Write(&row, binary.BigEndian, int32(len(payload))); err != nil {
			return err
		}
		if _, err := row.Write(payload); err != nil {
			return err
		}
	}
	_, err := sw.w.Write(row.Bytes())
	return err
}

// SnapshotRow is one decoded hydration row; exactly one of Node and Op is set.
type SnapshotRow struct {
	Node *Node
	Op   *MoveOp
}

// ReadSnapshot decodes a hydration stream and invokes fn per row. Consumers
// write rows verbatim; no replay happens on this path.
func ReadSnapshot(r io.Reader, fn func(SnapshotRow) error) error {
	reader := bufio.NewReader(r)

	header := make([]byte, len(snapshotSignature))
	if _, err := io.ReadFull(reader, header); err != nil {
		return fmt.Errorf("%w: short signature", ErrSnapshotFormat)
	}
	if !bytes.Equal(header, snapshotSignature) {
		return fmt.Errorf("%w: bad signature", ErrSnapshotFormat)
	}
	var flags, extension int32
	if err := binary.Read(reader, binary.BigEndian, &flags); err != nil {
		return fmt.Errorf("%w: short flags", ErrSnapshotFormat)
	}
	if err := binary.Read(reader, binary.BigEndian, &extension); err != nil {
		return fmt.Errorf("%w: short extension", ErrSnapshotFormat)
	}
	if extension > 0 {
		if _, err := io.CopyN(io.Discard, reader, int64(extension)); err != nil {
			return fmt.Errorf("%w: short extension body", ErrSnapshotFormat)
		}
	}

	for {
		var columnCount int16
		if err := binary.Read(reader, binary.BigEndian, &columnCount); err != nil {
			return fmt.Errorf("%w: short row header", ErrSnapshotFormat)
		}
		if columnCount == snapshotTrailer {
			return nil
		}
		columns, err := readColumns(reader, int(columnCount))
		if err != nil {
			return err
		}
		row, err := decodeRow(columns)
		if err != nil {
			return err
		}
		if err := fn(row); err != nil {
			return err
		}
	}
}

func readColumns(reader io.Reader, count int) ([]*string, error) {
	columns := make([]*string, 0, count)
	for i := 0; i < count; i++ {
		var length int32
		if err := binary.Read(reader, binary.BigEndian, &length); err != nil {
			return nil, fmt.Errorf("%w: short column length", ErrSnapshotFormat)
		}
		if length < 0 {
			columns = append(columns, nil)
			continue
		}
		payload := make([]byte, length)
		if _, err := io.ReadFull(reader, payload); err != nil {
			return nil, fmt.Errorf("%w: short column payload", ErrSnapshotFormat)
		}
		columns = append(columns, pointerTo(string(payload)))
	}
	return columns, nil
}

func decodeRow(columns []*string) (SnapshotRow, error) {
	if len(columns) == 0 || columns[0] == nil {
		return SnapshotRow{}, fmt.Errorf("%w: missing discriminator", ErrSnapshotFormat)
	}
	switch *columns[0] {
	case SnapshotRowNode:
		if len(columns) != snapshotNodeColumns || columns[1] == nil {
			return SnapshotRow{}, fmt.Errorf("%w: bad node row", ErrSnapshotFormat)
		}
		return SnapshotRow{Node: &Node{ID: *columns[1], ParentID: columns[2]}}, nil
	case SnapshotRowOp:
		if len(columns) != snapshotOpColumns || columns[1] == nil || columns[2] == nil || columns[4] == nil || columns[5] == nil || columns[7] == nil {
			return SnapshotRow{}, fmt.Errorf("%w: bad op row", ErrSnapshotFormat)
		}
		return SnapshotRow{Op: &MoveOp{
			Timestamp:         *columns[1],
			NodeID:            *columns[2],
			OldParentID:       columns[3],
			NewParentID:       *columns[4],
			ClientID:          *columns[5],
			SyncTimestamp:     columns[6],
			LastSyncTimestamp: *columns[7],
		}}, nil
	default:
		return SnapshotRow{}, fmt.Errorf("%w: unknown discriminator %q", ErrSnapshotFormat, *columns[0])
	}
}
