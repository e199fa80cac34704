package sincere

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"
)

// DecodeKind classifies a DecodeError.
type DecodeKind int

const (
	// DecodeSyntax: the body is not well-formed JSON.
	DecodeSyntax DecodeKind = iota + 1
	// DecodeType: well-formed JSON that does not fit the target type.
	DecodeType
	// DecodeMissingField: a field tagged binding:"required" is absent.
	DecodeMissingField
	// DecodeEmpty: the body is empty or whitespace.
	DecodeEmpty
)

func (k DecodeKind) String() string {
	switch k {
	case DecodeSyntax:
		return "syntax"
	case DecodeType:
		return "type"
	case DecodeMissingField:
		return "missing field"
	case DecodeEmpty:
		return "empty body"
	}
	return "unknown"
}

// A DecodeError reports why a request body could not be bound. Msg is
// safe to show to the client.
type DecodeError struct {
	Kind   DecodeKind
	Msg    string
	Offset int64  // byte offset in the body, -1 if unknown
	Field  string // dotted path of the offending field, if known
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Field != "" {
		return "sincere: bind json: " + e.Field + ": " + e.Msg
	}
	return "sincere: bind json: " + e.Msg
}

func (e *DecodeError) Unwrap() error { return e.Err }

// BindJSON decodes the whole body of r as a D. Either a fully decoded
// value is returned, or the zero D and a *DecodeError. The body is not
// modified, so repeated calls agree.
func BindJSON[D any](r *Request) (D, error) {
	var out D
	if err := decodeJSON(r.data, &out); err != nil {
		var zero D
		return zero, err
	}
	return out, nil
}

func bindInto(data []byte, v interface{}) error {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return &DecodeError{
			Kind:   DecodeType,
			Msg:    fmt.Sprintf("cannot bind into %T", v),
			Offset: -1,
		}
	}
	scratch := reflect.New(rv.Elem().Type())
	if err := decodeJSON(data, scratch.Interface()); err != nil {
		return err
	}
	rv.Elem().Set(scratch.Elem())
	return nil
}

func decodeJSON(data []byte, ptr interface{}) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return &DecodeError{Kind: DecodeEmpty, Msg: "request body is empty", Offset: 0}
	}
	if !utf8.Valid(data) {
		return &DecodeError{Kind: DecodeSyntax, Msg: "body is not valid UTF-8", Offset: invalidUTF8Offset(data)}
	}
	if err := json.Unmarshal(data, ptr); err != nil {
		return toDecodeError(err)
	}
	return checkRequired(reflect.TypeOf(ptr).Elem(), data, "")
}

func invalidUTF8Offset(data []byte) int64 {
	for i := 0; i < len(data); {
		r, size := utf8.DecodeRune(data[i:])
		if r == utf8.RuneError && size == 1 {
			return int64(i)
		}
		i += size
	}
	return -1
}

func toDecodeError(err error) *DecodeError {
	var (
		syntaxErr *json.SyntaxError
		typeErr   *json.UnmarshalTypeError
	)
	switch {
	case errors.As(err, &syntaxErr):
		return &DecodeError{Kind: DecodeSyntax, Msg: syntaxErr.Error(), Offset: syntaxErr.Offset, Err: err}
	case errors.As(err, &typeErr):
		return &DecodeError{
			Kind:   DecodeType,
			Msg:    fmt.Sprintf("cannot use JSON %s as %s", typeErr.Value, typeErr.Type),
			Offset: typeErr.Offset,
			Field:  typeErr.Field,
			Err:    err,
		}
	}
	return &DecodeError{Kind: DecodeType, Msg: err.Error(), Offset: -1, Err: err}
}

var unmarshalerType = reflect.TypeOf((*json.Unmarshaler)(nil)).Elem()

// checkRequired walks raw alongside t and reports the first field tagged
// binding:"required" whose key is absent. raw has already been decoded
// successfully into t.
func checkRequired(t reflect.Type, raw json.RawMessage, path string) error {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if reflect.PointerTo(t).Implements(unmarshalerType) {
		return nil
	}
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil
	}

	switch t.Kind() {
	case reflect.Struct:
		members, err := objectMembers(raw)
		if err != nil {
			return nil
		}
		for _, f := range jsonFields(t, nil) {
			val, ok := lookupKey(members, f.name)
			if !ok {
				if f.required {
					return &DecodeError{
						Kind:   DecodeMissingField,
						Msg:    "missing required field",
						Offset: -1,
						Field:  joinPath(path, f.name),
					}
				}
				continue
			}
			if err := checkRequired(f.typ, val, joinPath(path, f.name)); err != nil {
				return err
			}
		}
	case reflect.Slice, reflect.Array:
		var items []json.RawMessage
		if json.Unmarshal(raw, &items) != nil {
			return nil
		}
		for i, item := range items {
			if err := checkRequired(t.Elem(), item, path+"["+strconv.Itoa(i)+"]"); err != nil {
				return err
			}
		}
	case reflect.Map:
		var obj map[string]json.RawMessage
		if json.Unmarshal(raw, &obj) != nil {
			return nil
		}
		keys := make([]string, 0, len(obj))
		for k := range obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if err := checkRequired(t.Elem(), obj[k], joinPath(path, k)); err != nil {
				return err
			}
		}
	}
	return nil
}

type jsonField struct {
	name     string
	typ      reflect.Type
	required bool
}

// jsonFields lists the JSON-visible fields of struct type t, flattening
// untagged embedded structs the way encoding/json does. An embedded type
// already on the walk is not expanded again.
func jsonFields(t reflect.Type, visited map[reflect.Type]bool) []jsonField {
	if visited == nil {
		visited = make(map[reflect.Type]bool)
	}
	visited[t] = true
	var fields []jsonField
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.PkgPath != "" && !f.Anonymous {
			continue
		}
		tag := f.Tag.Get("json")
		if tag == "-" {
			continue
		}
		name := tag
		if idx := strings.IndexByte(tag, ','); idx >= 0 {
			name = tag[:idx]
		}
		if f.Anonymous && name == "" {
			ft := f.Type
			if ft.Kind() == reflect.Ptr {
				ft = ft.Elem()
			}
			if ft.Kind() == reflect.Struct {
				if !visited[ft] {
					fields = append(fields, jsonFields(ft, visited)...)
				}
				continue
			}
		}
		if f.PkgPath != "" {
			continue
		}
		if name == "" {
			name = f.Name
		}
		fields = append(fields, jsonField{
			name:     name,
			typ:      f.Type,
			required: hasToken(f.Tag.Get("binding"), "required"),
		})
	}
	return fields
}

type member struct {
	key string
	val json.RawMessage
}

// objectMembers splits a JSON object into its members in document
// order, duplicates included.
func objectMembers(raw json.RawMessage) ([]member, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, errors.New("not an object")
	}
	var members []member
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, errors.New("object key is not a string")
		}
		var val json.RawMessage
		if err := dec.Decode(&val); err != nil {
			return nil, err
		}
		members = append(members, member{key: key, val: val})
	}
	return members, nil
}

// lookupKey returns the last member whose key matches name
// case-insensitively, the value encoding/json ends up keeping.
func lookupKey(members []member, name string) (json.RawMessage, bool) {
	var (
		val   json.RawMessage
		found bool
	)
	for _, m := range members {
		if strings.EqualFold(m.key, name) {
			val, found = m.val, true
		}
	}
	return val, found
}

func joinPath(path, name string) string {
	if path == "" {
		return name
	}
	return path + "." + name
}
