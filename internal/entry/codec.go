package entry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
)

var (
	ErrUnknownKind = errors.New("entry: unknown kind")
	ErrMalformed   = errors.New("entry: malformed")
)

// Codec turns entries into store values and back.
type Codec interface {
	Encode(e Entry) ([]byte, error)
	Decode(data []byte) (Entry, error)
}

// zstdMagic prefixes every zstd frame; JSON can never start with it.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// DefaultCompressThreshold is the encoded size from which JSONCodec compresses.
const DefaultCompressThreshold = 512

// envelope is the JSON form; Kind selects which fields are meaningful.
type envelope struct {
	Kind        Kind        `json:"kind"`
	Owner       string      `json:"owner,omitempty"`
	Fingerprint string      `json:"fingerprint,omitempty"`
	StatusCode  int         `json:"status,omitempty"`
	Header      http.Header `json:"headers,omitempty"`
	Body        []byte      `json:"body,omitempty"`
	ContentType string      `json:"content_type,omitempty"`
}

// JSONCodec encodes entries as JSON and zstd-compresses values of at least
// Threshold bytes. Decode accepts both forms. Safe for concurrent use.
type JSONCodec struct {
	threshold int
	enc       *zstd.Encoder
	dec       *zstd.Decoder
}

// NewJSONCodec creates a codec. threshold <= 0 uses DefaultCompressThreshold.
func NewJSONCodec(threshold int) (*JSONCodec, error) {
	if threshold <= 0 {
		threshold = DefaultCompressThreshold
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("entry: zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(64<<20))
	if err != nil {
		return nil, fmt.Errorf("entry: zstd decoder: %w", err)
	}

	return &JSONCodec{threshold: threshold, enc: enc, dec: dec}, nil
}

func (c *JSONCodec) Encode(e Entry) ([]byte, error) {
	var env envelope
	switch v := e.(type) {
	case *InFlight:
		env = envelope{Kind: KindInFlight, Owner: v.Owner.String()}
	case *Completed:
		env = envelope{
			Kind:        KindCompleted,
			Fingerprint: v.Fingerprint,
			StatusCode:  v.StatusCode,
			Header:      v.Header,
			Body:        v.Body,
			ContentType: v.ContentType,
		}
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownKind, e)
	}

	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("entry: marshal: %w", err)
	}
	if len(data) < c.threshold {
		return data, nil
	}
	return c.enc.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
}

func (c *JSONCodec) Decode(data []byte) (Entry, error) {
	if bytes.HasPrefix(data, zstdMagic) {
		plain, err := c.dec.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: zstd: %v", ErrMalformed, err)
		}
		data = plain
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch env.Kind {
	case KindInFlight:
		owner, err := uuid.Parse(env.Owner)
		if err != nil {
			return nil, fmt.Errorf("%w: owner: %v", ErrMalformed, err)
		}
		return &InFlight{Owner: owner}, nil
	case KindCompleted:
		return &Completed{
			Fingerprint: env.Fingerprint,
			StatusCode:  env.StatusCode,
			Header:      env.Header,
			Body:        env.Body,
			ContentType: env.ContentType,
		}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Kind)
	}
}

// Close releases the zstd encoder and decoder.
func (c *JSONCodec) Close() error {
	c.dec.Close()
	return c.enc.Close()
}

var _ Codec = (*JSONCodec)(nil)
