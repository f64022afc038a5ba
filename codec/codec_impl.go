package codec

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// JSONCodec stores values as their JSON encoding
type JSONCodec[T any] struct{}

func NewJSONCodec[T any]() *JSONCodec[T] {
	return &JSONCodec[T]{}
}

func (JSONCodec[T]) Marshal(v T) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONCodec[T]) Unmarshal(data []byte) (T, error) {
	var v T
	err := json.Unmarshal(data, &v)
	return v, err
}

// GobCodec stores values as a self-describing gob stream
type GobCodec[T any] struct{}

func NewGobCodec[T any]() *GobCodec[T] {
	return &GobCodec[T]{}
}

func (GobCodec[T]) Marshal(v T) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (GobCodec[T]) Unmarshal(data []byte) (T, error) {
	var v T
	err := gob.NewDecoder(bytes.NewReader(data)).Decode(&v)
	return v, err
}

/*
builtin payloads:
	string, []byte, json.RawMessage: raw bytes
	int, int64, uint64, float64: 8 bytes big endian
	bool: 1 byte
	time.Time: time.MarshalBinary
*/

func rawCodec[T ~string | ~[]byte]() Codec[T] {
	return Func[T]{
		MarshalFn: func(v T) ([]byte, error) {
			return []byte(v), nil
		},
		UnmarshalFn: func(data []byte) (T, error) {
			return T(bytes.Clone(data)), nil
		},
	}
}

func fixed64Codec[T int | int64 | uint64]() Codec[T] {
	return Func[T]{
		MarshalFn: func(v T) ([]byte, error) {
			return binary.BigEndian.AppendUint64(nil, uint64(v)), nil
		},
		UnmarshalFn: func(data []byte) (T, error) {
			if len(data) != 8 {
				return 0, fmt.Errorf("want 8 bytes, got %d", len(data))
			}
			return T(binary.BigEndian.Uint64(data)), nil
		},
	}
}

var float64Codec = Func[float64]{
	MarshalFn: func(v float64) ([]byte, error) {
		return binary.BigEndian.AppendUint64(nil, math.Float64bits(v)), nil
	},
	UnmarshalFn: func(data []byte) (float64, error) {
		if len(data) != 8 {
			return 0, fmt.Errorf("want 8 bytes, got %d", len(data))
		}
		return math.Float64frombits(binary.BigEndian.Uint64(data)), nil
	},
}

var boolCodec = Func[bool]{
	MarshalFn: func(v bool) ([]byte, error) {
		if v {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	},
	UnmarshalFn: func(data []byte) (bool, error) {
		if len(data) != 1 || data[0] > 1 {
			return false, fmt.Errorf("invalid bool payload %v", data)
		}
		return data[0] == 1, nil
	},
}

var timeCodec = Func[time.Time]{
	MarshalFn: func(v time.Time) ([]byte, error) {
		return v.MarshalBinary()
	},
	UnmarshalFn: func(data []byte) (time.Time, error) {
		var v time.Time
		err := v.UnmarshalBinary(data)
		return v, err
	},
}

func registerBuiltins(r *Registry) {
	mustRegister(r, "string", rawCodec[string]())
	mustRegister(r, "bytes", rawCodec[[]byte]())
	mustRegister(r, "json", rawCodec[json.RawMessage]())
	mustRegister(r, "int", fixed64Codec[int]())
	mustRegister(r, "int64", fixed64Codec[int64]())
	mustRegister(r, "uint64", fixed64Codec[uint64]())
	mustRegister[float64](r, "float64", float64Codec)
	mustRegister[bool](r, "bool", boolCodec)
	mustRegister[time.Time](r, "time", timeCodec)
}

func mustRegister[T any](r *Registry, tag string, c Codec[T]) {
	if err := Register(r, tag, c); err != nil {
		panic(err)
	}
}
