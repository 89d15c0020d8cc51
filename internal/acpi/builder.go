package acpi

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// header is the common prefix of every system description table.
type header struct {
	Signature       [4]byte
	Length          uint32
	Revision        uint8
	Checksum        uint8
	OEMID           [6]byte
	OEMTableID      [8]byte
	OEMRevision     uint32
	CreatorID       [4]byte
	CreatorRevision uint32
}

const (
	headerSize    = 36
	checksumIndex = 9
	tableAlign    = 8
)

func decodeHeader(b []byte) (header, error) {
	var h header
	if len(b) < headerSize {
		return h, fmt.Errorf("acpi: short table header (%d bytes)", len(b))
	}
	if err := binary.Read(bytes.NewReader(b[:headerSize]), binary.LittleEndian, &h); err != nil {
		return h, fmt.Errorf("acpi: decode header: %w", err)
	}
	return h, nil
}

// tableWriter lays tables out back to back from base, each aligned to
// tableAlign.
type tableWriter struct {
	buf  bytes.Buffer
	base uint64
	oem  OEMInfo
}

func newTableWriter(base uint64, oem OEMInfo) *tableWriter {
	return &tableWriter{base: base, oem: oem}
}

// Append writes one table with the given signature and body and returns
// its physical address. An empty tableID takes the OEM default.
func (w *tableWriter) Append(signature, tableID string, revision uint8, body []byte) uint64 {
	h := header{
		Length:          uint32(headerSize + len(body)),
		Revision:        revision,
		OEMID:           w.oem.OEMID,
		OEMTableID:      w.oem.OEMTableID,
		OEMRevision:     w.oem.OEMRevision,
		CreatorID:       w.oem.CreatorID,
		CreatorRevision: w.oem.CreatorRevision,
	}
	copy(h.Signature[:], signature)
	if tableID != "" {
		h.OEMTableID = [8]byte{}
		copy(h.OEMTableID[:], tableID)
	}

	start := w.buf.Len()
	binary.Write(&w.buf, binary.LittleEndian, &h)
	w.buf.Write(body)

	table := w.buf.Bytes()[start:]
	table[checksumIndex] = checksum(table)
	if pad := len(table) % tableAlign; pad != 0 {
		w.buf.Write(make([]byte, tableAlign-pad))
	}
	return w.base + uint64(start)
}

func (w *tableWriter) Bytes() []byte { return w.buf.Bytes() }

// sum is the byte sum of b; a valid table sums to zero.
func sum(b []byte) byte {
	var total byte
	for _, v := range b {
		total += v
	}
	return total
}

// checksum is the byte that makes b sum to zero when stored in a zeroed
// checksum field.
func checksum(b []byte) byte { return -sum(b) }
