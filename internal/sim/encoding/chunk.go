package encoding

import (
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/wolkenwelten/wolkenwelten-ts-sub001/internal/protocol"
)

var ErrUnknownEncoding = errors.New("unknown chunk encoding")

var (
	zstdOnce sync.Once
	zstdEnc  *zstd.Encoder
	zstdDec  *zstd.Decoder
	zstdErr  error
)

func zstdCodec() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEnc, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if zstdErr != nil {
			return
		}
		zstdDec, zstdErr = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	})
	return zstdEnc, zstdDec, zstdErr
}

// EncodeChunk packs blocks for a chunkUpdate. Chunks that are entirely air
// are always sent with the empty encoding regardless of enc.
func EncodeChunk(blocks []uint8, enc string) ([]byte, string, error) {
	if allAir(blocks) {
		return nil, protocol.EncodingEmpty, nil
	}
	switch enc {
	case "", protocol.EncodingRaw:
		out := make([]byte, len(blocks))
		copy(out, blocks)
		return out, protocol.EncodingRaw, nil
	case protocol.EncodingRLE:
		return EncodeRLE(blocks), protocol.EncodingRLE, nil
	case protocol.EncodingZstd:
		e, _, err := zstdCodec()
		if err != nil {
			return nil, "", err
		}
		return e.EncodeAll(blocks, make([]byte, 0, len(blocks)/8)), protocol.EncodingZstd, nil
	default:
		return nil, "", fmt.Errorf("%w: %q", ErrUnknownEncoding, enc)
	}
}

// DecodeChunk unpacks a chunkUpdate payload into exactly volume blocks.
func DecodeChunk(payload []byte, enc string, volume int) ([]uint8, error) {
	var out []uint8
	switch enc {
	case protocol.EncodingEmpty:
		return make([]uint8, volume), nil
	case "", protocol.EncodingRaw:
		out = payload
	case protocol.EncodingRLE:
		var err error
		if out, err = DecodeRLE(payload, volume); err != nil {
			return nil, err
		}
	case protocol.EncodingZstd:
		_, d, err := zstdCodec()
		if err != nil {
			return nil, err
		}
		if out, err = d.DecodeAll(payload, make([]byte, 0, volume)); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEncoding, enc)
	}
	if len(out) != volume {
		return nil, fmt.Errorf("chunk payload has %d blocks, want %d", len(out), volume)
	}
	return out, nil
}

func allAir(blocks []uint8) bool {
	for _, b := range blocks {
		if b != 0 {
			return false
		}
	}
	return true
}
