package datasource

import (
	"encoding/binary"
	"fmt"

	"github.com/INLOpen/nexusexport/core"
)

// rowHeaderSize is the framing in front of every row: u32 row length
// followed by the i64 id of the transaction that produced it.
const rowHeaderSize = 12

// AppendRow frames row with the id of its transaction and appends it to dst.
// Export buffers are sequences of framed rows.
func AppendRow(dst []byte, txn core.TxnID, row []byte) []byte {
	var header [rowHeaderSize]byte
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(row)))
	binary.LittleEndian.PutUint64(header[4:12], uint64(txn))
	dst = append(dst, header[:]...)
	return append(dst, row...)
}

// ForEachRow calls fn for every framed row in buf, in order, with the byte
// offset at which the row's frame starts. Iteration stops when fn returns
// false. The row slice aliases buf.
func ForEachRow(buf []byte, fn func(offset int, txn core.TxnID, row []byte) bool) error {
	pos := 0
	for pos < len(buf) {
		if len(buf)-pos < rowHeaderSize {
			return fmt.Errorf("truncated row header at offset %d", pos)
		}
		n := int(binary.LittleEndian.Uint32(buf[pos : pos+4]))
		txn := core.TxnID(binary.LittleEndian.Uint64(buf[pos+4 : pos+12]))
		start := pos + rowHeaderSize
		if n > len(buf)-start {
			return fmt.Errorf("row at offset %d claims %d bytes, only %d left", pos, n, len(buf)-start)
		}
		if !fn(pos, txn, buf[start:start+n]) {
			return nil
		}
		pos = start + n
	}
	return nil
}
