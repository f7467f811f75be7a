// Package pool provides object pooling for the staging store to reduce allocations.
//
// Object pooling reuses allocated objects instead of creating new ones,
// reducing GC pressure during bulk imports where millions of record payloads
// are encoded and decoded.
//
// Pooled objects:
// - Byte buffers (payload encoding)
// - zstd encoders and decoders (payload compression)
// - Node id slices (traversal child lists)
//
// Usage:
//
//	buf := pool.GetByteBuffer()
//	defer pool.PutByteBuffer(buf)
//
//	enc := pool.GetZstdEncoder()
//	out := enc.EncodeAll(buf, nil)
//	pool.PutZstdEncoder(enc)
package pool

import (
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/CatalogueOfLife/backend-sub024/pkg/model"
)

// PoolConfig configures object pooling behavior.
type PoolConfig struct {
	// Enabled controls whether pooling is active
	Enabled bool

	// MaxSize limits the capacity of slices kept in each pool
	MaxSize int
}

var globalConfig = PoolConfig{
	Enabled: true,
	MaxSize: 4096,
}

// Configure sets global pool configuration.
// Should be called early during initialization.
func Configure(config PoolConfig) {
	globalConfig = config

	// Reinitialize pools to ensure New functions are set correctly
	initPools()
}

// initPools reinitializes all pools with their New functions.
func initPools() {
	byteBufferPool = sync.Pool{
		New: func() any {
			return make([]byte, 0, 1024)
		},
	}
	idSlicePool = sync.Pool{
		New: func() any {
			return make([]model.NodeID, 0, 64)
		},
	}
	zstdEncoderPool = sync.Pool{}
	zstdDecoderPool = sync.Pool{}
}

// IsEnabled returns whether pooling is enabled.
func IsEnabled() bool {
	return globalConfig.Enabled
}

// =============================================================================
// Byte Buffer Pool
// =============================================================================

var byteBufferPool = sync.Pool{
	New: func() any {
		return make([]byte, 0, 1024)
	},
}

// GetByteBuffer returns a byte buffer from the pool.
func GetByteBuffer() []byte {
	if !globalConfig.Enabled {
		return make([]byte, 0, 1024)
	}
	return byteBufferPool.Get().([]byte)[:0]
}

// PutByteBuffer returns a byte buffer to the pool.
func PutByteBuffer(buf []byte) {
	if !globalConfig.Enabled {
		return
	}
	if cap(buf) > 1024*1024 { // Don't pool huge buffers (>1MB)
		return
	}
	byteBufferPool.Put(buf[:0])
}

// =============================================================================
// Node ID Slice Pool
// =============================================================================

var idSlicePool = sync.Pool{
	New: func() any {
		return make([]model.NodeID, 0, 64)
	},
}

// GetIDSlice returns an empty node id slice from the pool.
func GetIDSlice() []model.NodeID {
	if !globalConfig.Enabled {
		return make([]model.NodeID, 0, 64)
	}
	return idSlicePool.Get().([]model.NodeID)[:0]
}

// PutIDSlice returns a node id slice to the pool.
func PutIDSlice(ids []model.NodeID) {
	if !globalConfig.Enabled || ids == nil {
		return
	}
	if cap(ids) > globalConfig.MaxSize {
		return
	}
	idSlicePool.Put(ids[:0])
}

// =============================================================================
// zstd Encoder/Decoder Pools
// =============================================================================

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

// GetZstdEncoder returns a zstd encoder for EncodeAll use.
func GetZstdEncoder() *zstd.Encoder {
	if globalConfig.Enabled {
		if v := zstdEncoderPool.Get(); v != nil {
			return v.(*zstd.Encoder)
		}
	}
	// Payloads are small; the default level balances ratio vs speed
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault), zstd.WithEncoderConcurrency(1))
	return enc
}

// PutZstdEncoder returns an encoder to the pool.
func PutZstdEncoder(enc *zstd.Encoder) {
	if !globalConfig.Enabled || enc == nil {
		return
	}
	zstdEncoderPool.Put(enc)
}

// GetZstdDecoder returns a zstd decoder for DecodeAll use.
func GetZstdDecoder() *zstd.Decoder {
	if globalConfig.Enabled {
		if v := zstdDecoderPool.Get(); v != nil {
			return v.(*zstd.Decoder)
		}
	}
	dec, _ := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	return dec
}

// PutZstdDecoder returns a decoder to the pool.
func PutZstdDecoder(dec *zstd.Decoder) {
	if !globalConfig.Enabled || dec == nil {
		return
	}
	zstdDecoderPool.Put(dec)
}
