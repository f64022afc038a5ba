package codec

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/cqkv/cqstore/utils"
	"github.com/puzpuzpuz/xsync/v3"
)

var (
	ErrUnregisteredType = errors.New("type has no registered codec")
	ErrTagConflict      = errors.New("tag or type already registered differently")
	ErrInvalidTag       = errors.New("invalid type tag")
	ErrNilValue         = errors.New("cannot encode a nil value")
)

type binding struct {
	tag    string
	codec  any // Codec[T] for the bound type
	encode func(any) ([]byte, error)
}

// Registry binds Go types to stable tags and codecs. A tag is chosen by the
// caller and never derived from the type's name.
type Registry struct {
	byType *xsync.MapOf[reflect.Type, *binding]
	byTag  *xsync.MapOf[string, reflect.Type]
}

// Default is the registry stores use unless WithRegistry says otherwise
var Default = NewRegistry()

// NewRegistry returns a registry with the builtin scalar codecs
func NewRegistry() *Registry {
	r := NewEmptyRegistry()
	registerBuiltins(r)
	return r
}

func NewEmptyRegistry() *Registry {
	return &Registry{
		byType: xsync.NewMapOf[reflect.Type, *binding](),
		byTag:  xsync.NewMapOf[string, reflect.Type](),
	}
}

// Register binds T to tag. Registering the same pair again swaps the codec;
// reusing a tag for another type, or a type under another tag, fails.
func Register[T any](r *Registry, tag string, c Codec[T]) error {
	if err := utils.ValidateKey(tag); err != nil {
		return fmt.Errorf("%w %q: %v", ErrInvalidTag, tag, err)
	}
	typ := reflect.TypeOf((*T)(nil)).Elem()

	owner, loaded := r.byTag.LoadOrStore(tag, typ)
	if loaded && owner != typ {
		return fmt.Errorf("%w: tag %q belongs to %v", ErrTagConflict, tag, owner)
	}

	b := &binding{
		tag:   tag,
		codec: c,
		encode: func(v any) ([]byte, error) {
			return c.Marshal(v.(T))
		},
	}
	var conflict error
	r.byType.Compute(typ, func(old *binding, found bool) (*binding, bool) {
		if found && old.tag != tag {
			conflict = fmt.Errorf("%w: %v is registered as %q", ErrTagConflict, typ, old.tag)
			return old, false
		}
		return b, false
	})
	if conflict != nil {
		if !loaded {
			r.byTag.Delete(tag)
		}
		return conflict
	}
	return nil
}

// RegisterJSON binds T to tag with a JSON codec
func RegisterJSON[T any](r *Registry, tag string) error {
	return Register[T](r, tag, NewJSONCodec[T]())
}

// RegisterGob binds T to tag with a gob codec
func RegisterGob[T any](r *Registry, tag string) error {
	return Register[T](r, tag, NewGobCodec[T]())
}

// Resolve returns the tag and codec bound to T
func Resolve[T any](r *Registry) (string, Codec[T], error) {
	typ := reflect.TypeOf((*T)(nil)).Elem()
	b, ok := r.byType.Load(typ)
	if !ok {
		return "", nil, fmt.Errorf("%w: %v", ErrUnregisteredType, typ)
	}
	return b.tag, b.codec.(Codec[T]), nil
}

// TagOf returns the tag bound to T
func TagOf[T any](r *Registry) (string, error) {
	tag, _, err := Resolve[T](r)
	return tag, err
}

// Encode marshals v with the codec bound to its dynamic type. A pointer
// whose type is not registered is encoded through the value it points to.
func (r *Registry) Encode(v any) (string, []byte, error) {
	if v == nil {
		return "", nil, ErrNilValue
	}
	rv := reflect.ValueOf(v)
	for {
		if b, ok := r.byType.Load(rv.Type()); ok {
			data, err := b.encode(rv.Interface())
			return b.tag, data, err
		}
		if rv.Kind() != reflect.Pointer {
			return "", nil, fmt.Errorf("%w: %v", ErrUnregisteredType, reflect.TypeOf(v))
		}
		if rv.IsNil() {
			return "", nil, ErrNilValue
		}
		rv = rv.Elem()
	}
}

// Tags lists every registered tag
func (r *Registry) Tags() []string {
	tags := make([]string, 0, r.byTag.Size())
	r.byTag.Range(func(tag string, _ reflect.Type) bool {
		tags = append(tags, tag)
		return true
	})
	return tags
}
