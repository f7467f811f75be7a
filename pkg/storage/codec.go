package storage

import (
	"encoding/binary"
	"fmt"
	"strings"

	gojson "github.com/goccy/go-json"
	"github.com/pierrec/lz4/v4"

	"github.com/CatalogueOfLife/backend-sub024/pkg/model"
	"github.com/CatalogueOfLife/backend-sub024/pkg/pool"
)

// Compression selects how record payloads are compressed.
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionLZ4
	CompressionZstd
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("compression(%d)", uint8(c))
	}
}

// ParseCompression parses "none", "lz4" or "zstd". Empty means none.
func ParseCompression(s string) (Compression, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "off":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	}
	return CompressionNone, fmt.Errorf("unknown compression %q", s)
}

// minCompressSize is the payload size below which compression is skipped.
const minCompressSize = 64

// MaxRecordSize bounds the encoded JSON of a single record.
const MaxRecordSize = 64 * 1024 * 1024

// Codec serializes records for the record store.
//
// Wire format: [1 byte compression][uvarint raw length][body]
//
// The body is the JSON encoding of the record, compressed with the codec's
// algorithm. If compressing does not make the payload smaller the body is
// stored raw and flagged CompressionNone, so Decode never depends on the
// codec it is called on.
type Codec struct {
	Compression Compression
}

// NewCodec creates a codec with the given compression.
func NewCodec(c Compression) *Codec {
	return &Codec{Compression: c}
}

// Encode serializes a record.
func (c *Codec) Encode(rec *model.Record) ([]byte, error) {
	if rec == nil {
		return nil, ErrInvalidData
	}
	raw, err := gojson.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encoding record %s: %w", rec.ID, err)
	}
	if len(raw) > MaxRecordSize {
		return nil, fmt.Errorf("record %s is %d bytes, limit %d: %w", rec.ID, len(raw), MaxRecordSize, ErrInvalidData)
	}

	comp := CompressionNone
	body := raw
	if c != nil && c.Compression != CompressionNone && len(raw) >= minCompressSize {
		scratch := pool.GetByteBuffer()
		defer pool.PutByteBuffer(scratch)

		var packed []byte
		switch c.Compression {
		case CompressionZstd:
			enc := pool.GetZstdEncoder()
			packed = enc.EncodeAll(raw, scratch[:0])
			pool.PutZstdEncoder(enc)
		case CompressionLZ4:
			bound := lz4.CompressBlockBound(len(raw))
			if cap(scratch) < bound {
				scratch = make([]byte, bound)
			}
			n, err := lz4.CompressBlock(raw, scratch[:bound], nil)
			if err != nil {
				return nil, fmt.Errorf("lz4 compress: %w", err)
			}
			// n == 0 means incompressible
			if n > 0 {
				packed = scratch[:n]
			}
		default:
			return nil, fmt.Errorf("unsupported compression %s", c.Compression)
		}
		if len(packed) > 0 && len(packed) < len(raw) {
			comp = c.Compression
			body = packed
		}
	}

	out := make([]byte, 0, 1+binary.MaxVarintLen64+len(body))
	out = append(out, byte(comp))
	out = binary.AppendUvarint(out, uint64(len(raw)))
	out = append(out, body...)
	return out, nil
}

// Decode deserializes a record written by any Codec.
func (c *Codec) Decode(data []byte) (*model.Record, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("payload too short: %w", ErrInvalidData)
	}
	comp := Compression(data[0])
	rawLen, n := binary.Uvarint(data[1:])
	if n <= 0 {
		return nil, fmt.Errorf("bad payload length header: %w", ErrInvalidData)
	}
	body := data[1+n:]
	if rawLen > MaxRecordSize {
		return nil, fmt.Errorf("payload length %d exceeds %d: %w", rawLen, MaxRecordSize, ErrInvalidData)
	}

	var raw []byte
	switch comp {
	case CompressionNone:
		raw = body
	case CompressionZstd:
		dec := pool.GetZstdDecoder()
		out, err := dec.DecodeAll(body, make([]byte, 0, rawLen))
		pool.PutZstdDecoder(dec)
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		raw = out
	case CompressionLZ4:
		out := make([]byte, rawLen)
		m, err := lz4.UncompressBlock(body, out)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		raw = out[:m]
	default:
		return nil, fmt.Errorf("unknown compression %d: %w", comp, ErrInvalidData)
	}
	if uint64(len(raw)) != rawLen {
		return nil, fmt.Errorf("payload length %d, header says %d: %w", len(raw), rawLen, ErrInvalidData)
	}

	var rec model.Record
	if err := gojson.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decoding record: %w", err)
	}
	return &rec, nil
}
