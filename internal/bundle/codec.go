package bundle

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
)

// CompressThreshold is the encoded size above which archives are zstd
// compressed.
const CompressThreshold = 4096

const maxArchiveSize = 64 << 20

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode

	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("bundle: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("bundle: CBOR decoder initialization failed: " + err.Error())
	}
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("bundle: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxArchiveSize))
	if err != nil {
		panic("bundle: zstd decoder initialization failed: " + err.Error())
	}
}

// Encode writes a deterministic CBOR archive, compressed when large.
func Encode(s Structured) ([]byte, error) {
	data, err := encMode.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("bundle: encode: %w", err)
	}
	if len(data) <= CompressThreshold {
		return data, nil
	}
	compressed := zstdEncoder.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return data, nil
	}
	return compressed, nil
}

// Decode reads an archive produced by Encode or a JSON bundle as emitted by
// JS bundlers. A bare string decodes to RawSource.
func Decode(data []byte) (Bundle, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrMalformed)
	}
	if bytes.HasPrefix(data, zstdMagic) {
		raw, err := zstdDecoder.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: zstd: %v", ErrMalformed, err)
		}
		data = raw
	}
	if looksJSON(data) {
		return decodeJSON(data)
	}
	return decodeCBOR(data)
}

func looksJSON(data []byte) bool {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) == 0 {
		return false
	}
	if trimmed[0] != '{' && trimmed[0] != '"' {
		return false
	}
	return json.Valid(data)
}

func decodeJSON(data []byte) (Bundle, error) {
	var peek any
	if err := json.Unmarshal(data, &peek); err != nil {
		return nil, fmt.Errorf("%w: json: %v", ErrMalformed, err)
	}
	if s, ok := peek.(string); ok {
		return RawSource(s), nil
	}
	var out Structured
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("%w: json: %v", ErrMalformed, err)
	}
	return out, nil
}

func decodeCBOR(data []byte) (Bundle, error) {
	var peek any
	if err := decMode.Unmarshal(data, &peek); err != nil {
		return nil, fmt.Errorf("%w: cbor: %v", ErrMalformed, err)
	}
	switch v := peek.(type) {
	case string:
		return RawSource(v), nil
	case map[string]any:
		var out Structured
		if err := decMode.Unmarshal(data, &out); err != nil {
			return nil, fmt.Errorf("%w: cbor: %v", ErrMalformed, err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: cbor: unexpected %T", ErrMalformed, peek)
	}
}

// ID is a content address for a structured bundle.
type ID string

// bundleDomainKey keys the BLAKE3 hash so bundle ids never collide with
// hashes taken over the same bytes elsewhere.
var bundleDomainKey = [32]byte{
	'v', 'a', 't', 'c', 't', 'l', '.', 'b', 'u', 'n', 'd', 'l', 'e',
}

// ID hashes the canonical CBOR encoding of the bundle.
func (s Structured) ID() ID {
	data, err := encMode.Marshal(s)
	if err != nil {
		panic("bundle: canonical encoding failed: " + err.Error())
	}
	hasher, err := blake3.NewKeyed(bundleDomainKey[:])
	if err != nil {
		panic("bundle: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	_, _ = hasher.Write(data)
	return ID("b3-" + hex.EncodeToString(hasher.Sum(nil)))
}
