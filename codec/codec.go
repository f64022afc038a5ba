package codec

// Codec turns values of one type into payload bytes and back
type Codec[T any] interface {
	Marshal(T) ([]byte, error)
	Unmarshal([]byte) (T, error)
}

// Func adapts a pair of functions to a Codec
type Func[T any] struct {
	MarshalFn   func(T) ([]byte, error)
	UnmarshalFn func([]byte) (T, error)
}

func (f Func[T]) Marshal(v T) ([]byte, error) {
	return f.MarshalFn(v)
}

func (f Func[T]) Unmarshal(data []byte) (T, error) {
	return f.UnmarshalFn(data)
}
