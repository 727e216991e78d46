package records

import (
	"bytes"
	"fmt"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"
)

func codecFor(compression string) (compress.Codec, error) {
	c, err := ParseCompression(compression)
	if err != nil {
		return nil, err
	}
	switch c {
	case CompressionNone:
		return &parquet.Uncompressed, nil
	case CompressionZstd:
		return &parquet.Zstd, nil
	case CompressionGzip:
		return &parquet.Gzip, nil
	default:
		return &parquet.Snappy, nil
	}
}

// Encode writes records as a parquet file.
func Encode(rows []Record, compression string) ([]byte, error) {
	codec, err := codecFor(compression)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	w := parquet.NewGenericWriter[Record](&buf, parquet.Compression(codec))
	if _, err := w.Write(rows); err != nil {
		w.Close()
		return nil, fmt.Errorf("write rows: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close parquet writer: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode reads every record of a parquet split.
func Decode(data []byte) ([]Record, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("decode split: empty payload")
	}
	rows, err := parquet.Read[Record](bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("decode split: %w", err)
	}
	return rows, nil
}
