package mapping

import (
	"fmt"
	"reflect"

	"github.com/google/uuid"

	"github.com/teamdynamiq/marten/internal/identity"
)

var uuidType = reflect.TypeOf(uuid.UUID{})

// Options overrides how one document type is mapped.
type Options struct {
	// Alias is the document type name used for sequences and storage.
	// Default: the lower-cased Go type name.
	Alias string

	// Strategy replaces the default generation strategy for the type's kind.
	// Not allowed on assigned identities.
	Strategy identity.Strategy

	// BlockSize sets the Hi-Lo block size for the type (Numeric only).
	BlockSize int64
}

// Mapping is the resolved identity mapping for one document type.
// It is immutable once resolved.
type Mapping struct {
	Type      reflect.Type // struct type, never a pointer
	Alias     string
	Kind      identity.Kind
	Strategy  identity.Strategy
	BlockSize int64 // 0 = allocator default

	field []int
	width reflect.Kind
}

// FieldName returns the Go name of the identity field.
func (m *Mapping) FieldName() string {
	return m.Type.FieldByIndex(m.field).Name
}

// structValue returns the addressable struct behind doc.
func (m *Mapping) structValue(doc any) (reflect.Value, error) {
	rv := reflect.ValueOf(doc)
	if rv.Kind() != reflect.Pointer || rv.IsNil() || rv.Elem().Type() != m.Type {
		return reflect.Value{}, fmt.Errorf("mapping %s: expected *%s, got %T", m.Alias, m.Type.Name(), doc)
	}
	return rv.Elem(), nil
}

// Identity reads the identity field of doc.
func (m *Mapping) Identity(doc any) (identity.Value, error) {
	sv, err := m.structValue(doc)
	if err != nil {
		return identity.Value{}, err
	}
	f := sv.FieldByIndex(m.field)

	switch m.Kind {
	case identity.Numeric:
		return identity.IntValue(f.Int()), nil
	case identity.Token:
		return identity.TokenValue(f.Interface().(uuid.UUID)), nil
	case identity.Assigned:
		return identity.StringValue(f.String()), nil
	default:
		return identity.Value{}, identity.NewUnresolvableIdentity(m.Alias, "mapping has no identity kind")
	}
}

// SetIdentity writes v into the identity field of doc.
//
// A numeric value that does not fit the field width is rejected with
// INVALID_IDENTITY and the field is left untouched.
func (m *Mapping) SetIdentity(doc any, v identity.Value) error {
	if v.Kind() != m.Kind {
		return identity.NewInvalidIdentity(m.Alias,
			fmt.Sprintf("cannot store %s identity in %s field %s", v.Kind(), m.Kind, m.FieldName()))
	}
	sv, err := m.structValue(doc)
	if err != nil {
		return err
	}
	f := sv.FieldByIndex(m.field)

	switch m.Kind {
	case identity.Numeric:
		if f.OverflowInt(v.Int64()) {
			return identity.NewInvalidIdentity(m.Alias,
				fmt.Sprintf("generated identity %d overflows %s field %s", v.Int64(), m.width, m.FieldName()))
		}
		f.SetInt(v.Int64())
	case identity.Token:
		f.Set(reflect.ValueOf(v.UUID()))
	case identity.Assigned:
		f.SetString(v.Str())
	default:
		return identity.NewUnresolvableIdentity(m.Alias, "mapping has no identity kind")
	}
	return nil
}

// ValueOf converts a caller-supplied key into an identity value of the
// mapping's kind. It accepts identity.Value, Go integers, uuid.UUID and strings.
func (m *Mapping) ValueOf(key any) (identity.Value, error) {
	var v identity.Value
	switch k := key.(type) {
	case identity.Value:
		v = k
	case int:
		v = identity.IntValue(int64(k))
	case int32:
		v = identity.IntValue(int64(k))
	case int64:
		v = identity.IntValue(k)
	case uuid.UUID:
		v = identity.TokenValue(k)
	case string:
		v = identity.StringValue(k)
	default:
		return identity.Value{}, identity.NewInvalidIdentity(m.Alias, fmt.Sprintf("unsupported key type %T", key))
	}
	if v.Kind() != m.Kind {
		return identity.Value{}, identity.NewInvalidIdentity(m.Alias,
			fmt.Sprintf("%s key given for %s identity", v.Kind(), m.Kind))
	}
	return v, nil
}

// resolve builds the mapping for struct type t. It does not apply options.
func resolve(t reflect.Type) (*Mapping, error) {
	name := t.String()
	if t.Kind() != reflect.Struct {
		return nil, identity.NewUnresolvableIdentity(name, "documents must be pointers to structs")
	}

	idx, ok := findIdentityField(t)
	if !ok {
		return nil, identity.NewUnresolvableIdentity(name, `no identity field (tag a field marten:"id" or name it Id or ID)`)
	}
	if embed, ok := pointerEmbed(t, idx); ok {
		return nil, identity.NewUnresolvableIdentity(name,
			fmt.Sprintf("identity field is promoted through embedded pointer %s", embed))
	}
	sf := t.FieldByIndex(idx)
	if !sf.IsExported() {
		return nil, identity.NewUnresolvableIdentity(name, fmt.Sprintf("identity field %s is not exported", sf.Name))
	}

	m := &Mapping{Type: t, field: idx, width: sf.Type.Kind()}
	switch {
	case sf.Type == uuidType:
		m.Kind = identity.Token
	case sf.Type.Kind() == reflect.Int, sf.Type.Kind() == reflect.Int32, sf.Type.Kind() == reflect.Int64:
		m.Kind = identity.Numeric
	case sf.Type.Kind() == reflect.String:
		m.Kind = identity.Assigned
	default:
		return nil, identity.NewUnresolvableIdentity(name,
			fmt.Sprintf("identity field %s has unsupported type %s", sf.Name, sf.Type))
	}
	return m, nil
}

func findIdentityField(t reflect.Type) ([]int, bool) {
	for i := 0; i < t.NumField(); i++ {
		if t.Field(i).Tag.Get("marten") == "id" {
			return []int{i}, true
		}
	}
	for _, name := range []string{"Id", "ID"} {
		if sf, ok := t.FieldByName(name); ok {
			return sf.Index, true
		}
	}
	return nil, false
}

// pointerEmbed reports the first embedded pointer on the path to a promoted
// field. Reading through it panics when the embedded pointer is nil.
func pointerEmbed(t reflect.Type, index []int) (string, bool) {
	for _, i := range index[:len(index)-1] {
		sf := t.Field(i)
		if sf.Type.Kind() == reflect.Pointer {
			return sf.Name, true
		}
		t = sf.Type
	}
	return "", false
}
