package tds

// NBCRow (Null Bitmap Compressed Row) decoding.
//
// Instead of encoding NULL as a type-specific zero-length marker in each
// column, the server sends a bitmap up front and only the non-NULL column
// values follow it, in column order.
//
//	TokenNBCRow (0xD2)
//	NullBitmap: ceil(numColumns/8) bytes, bit N set => column N is NULL
//	ColumnData: only non-NULL columns, in order

func readNullBitmap(r *wireReader, numColumns int) ([]byte, error) {
	return r.bytes((numColumns + 7) / 8)
}

func bitmapIsNull(bitmap []byte, columnIndex int) bool {
	byteIndex := columnIndex / 8
	bitIndex := uint(columnIndex % 8)
	if byteIndex >= len(bitmap) {
		return false
	}
	return bitmap[byteIndex]&(1<<bitIndex) != 0
}

// readNBCRow reads an NBCROW token body: the bitmap, then one value per
// column whose bit is clear.
func readNBCRow(r *wireReader, columns []Column, codec CodecFactory) ([]any, error) {
	bitmap, err := readNullBitmap(r, len(columns))
	if err != nil {
		return nil, err
	}

	values := make([]any, len(columns))
	for i, col := range columns {
		if bitmapIsNull(bitmap, i) {
			values[i] = nil
			continue
		}
		c, err := codec.CodecFor(col.Type)
		if err != nil {
			return nil, err
		}
		v, isNull, err := c.ReadValue(r, col.Type)
		if err != nil {
			return nil, err
		}
		if isNull {
			values[i] = nil
		} else {
			values[i] = v
		}
	}
	return values, nil
}
