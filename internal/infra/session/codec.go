package session

import (
	"fmt"
	"reflect"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"

	"mcpkit/internal/domain"
)

// record is the persisted form of one session's data.
type record struct {
	Data      map[string]any `cbor:"1,keyasint"`
	UpdatedAt int64          `cbor:"2,keyasint"`
}

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
		panic("session: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("session: CBOR decoder initialization failed: " + err.Error())
	}
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("session: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("session: zstd decoder initialization failed: " + err.Error())
	}
}

func encodeRecord(data domain.SessionData, updatedAt time.Time) ([]byte, error) {
	raw, err := encMode.Marshal(record{Data: data, UpdatedAt: updatedAt.UnixNano()})
	if err != nil {
		return nil, fmt.Errorf("encode session data: %w", err)
	}
	return zstdEncoder.EncodeAll(raw, nil), nil
}

func decodeRecord(blob []byte) (domain.SessionData, time.Time, error) {
	raw, err := zstdDecoder.DecodeAll(blob, nil)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("decompress session data: %w", err)
	}
	var rec record
	if err := decMode.Unmarshal(raw, &rec); err != nil {
		return nil, time.Time{}, fmt.Errorf("decode session data: %w", err)
	}
	data := domain.SessionData(rec.Data)
	if data == nil {
		data = domain.SessionData{}
	}
	return data, time.Unix(0, rec.UpdatedAt), nil
}
