package sincere

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type userPayload struct {
	Name string `json:"name" binding:"required"`
	Age  int    `json:"age" binding:"required"`
}

type address struct {
	City string `json:"city" binding:"required"`
	Zip  string `json:"zip,omitempty"`
}

type tag struct {
	Key   string `json:"k" binding:"required"`
	Value string `json:"v"`
}

type audit struct {
	CreatedBy string `json:"created_by" binding:"required"`
}

type profile struct {
	audit
	User    userPayload `json:"user" binding:"required"`
	Address *address    `json:"address"`
	Tags    []tag       `json:"tags"`
	Labels  map[string]tag
	Note    string `json:"-"`
}

func TestBindJSONEndToEnd(t *testing.T) {
	req := newTestRequest(`{"name":"Ada","age":37}`)

	ct, ok := req.GetHeader("content-type")
	require.True(t, ok)
	assert.Equal(t, "application/json", ct)

	user, err := BindJSON[userPayload](req)
	require.NoError(t, err)
	assert.Equal(t, userPayload{Name: "Ada", Age: 37}, user)

	_, ok = req.GetParam("id")
	assert.False(t, ok)
}

func TestBindJSONRoundTrip(t *testing.T) {
	values := []profile{
		{
			audit:   audit{CreatedBy: "ops"},
			User:    userPayload{Name: "Grace", Age: 85},
			Address: &address{City: "Arlington", Zip: "22201"},
			Tags:    []tag{{Key: "team", Value: "navy"}},
			Labels:  map[string]tag{"a": {Key: "x"}},
		},
		{
			audit: audit{CreatedBy: "ops"},
			User:  userPayload{Name: "Linus", Age: 0},
		},
	}

	for _, v := range values {
		t.Run(v.User.Name, func(t *testing.T) {
			b, err := json.Marshal(v)
			require.NoError(t, err)

			got, err := BindJSON[profile](newTestRequest(string(b)))
			require.NoError(t, err)
			assert.Equal(t, v, got)
		})
	}
}

func TestBindJSONErrors(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		kind      DecodeKind
		field     string
		msgSubstr string
	}{
		{name: "not json", body: `{not json`, kind: DecodeSyntax, msgSubstr: "invalid character"},
		{name: "truncated", body: `{"name":"Ada"`, kind: DecodeSyntax, msgSubstr: "unexpected end of JSON input"},
		{name: "trailing data", body: `{"name":"Ada","age":1} x`, kind: DecodeSyntax, msgSubstr: "after top-level value"},
		{name: "invalid utf-8", body: "{\"name\":\"\xff\xfe\",\"age\":1}", kind: DecodeSyntax, msgSubstr: "not valid UTF-8"},
		{name: "empty", body: "", kind: DecodeEmpty},
		{name: "whitespace", body: " \r\n\t", kind: DecodeEmpty},
		{name: "type mismatch", body: `{"name":"Ada","age":"old"}`, kind: DecodeType, field: "age", msgSubstr: "cannot use JSON string as int"},
		{name: "array for object", body: `[1,2]`, kind: DecodeType},
		{name: "missing required", body: `{"name":"Ada"}`, kind: DecodeMissingField, field: "age"},
		{name: "null is not missing", body: `{"name":"Ada","age":null}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := BindJSON[userPayload](newTestRequest(tt.body))
			if tt.kind == 0 {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, userPayload{}, got, "no partial value on failure")

			var de *DecodeError
			require.True(t, errors.As(err, &de))
			assert.Equal(t, tt.kind, de.Kind)
			assert.NotEmpty(t, de.Msg)
			if tt.field != "" {
				assert.Equal(t, tt.field, de.Field)
			}
			if tt.msgSubstr != "" {
				assert.Contains(t, de.Msg, tt.msgSubstr)
			}
		})
	}
}

func TestBindJSONNestedRequired(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		field string
	}{
		{
			name:  "embedded struct",
			body:  `{"user":{"name":"a","age":1}}`,
			field: "created_by",
		},
		{
			name:  "nested struct",
			body:  `{"created_by":"x","user":{"name":"a"}}`,
			field: "user.age",
		},
		{
			name:  "pointer struct",
			body:  `{"created_by":"x","user":{"name":"a","age":1},"address":{"zip":"1"}}`,
			field: "address.city",
		},
		{
			name:  "slice element",
			body:  `{"created_by":"x","user":{"name":"a","age":1},"tags":[{"k":"a"},{"v":"b"}]}`,
			field: "tags[1].k",
		},
		{
			name:  "map value",
			body:  `{"created_by":"x","user":{"name":"a","age":1},"Labels":{"one":{}}}`,
			field: "Labels.one.k",
		},
		{
			name:  "required nested object absent",
			body:  `{"created_by":"x"}`,
			field: "user",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BindJSON[profile](newTestRequest(tt.body))
			var de *DecodeError
			require.True(t, errors.As(err, &de), "got %v", err)
			assert.Equal(t, DecodeMissingField, de.Kind)
			assert.Equal(t, tt.field, de.Field)
		})
	}
}

type treeNode struct {
	*treeNode
	X int `json:"x" binding:"required"`
}

type linkedNode struct {
	Next *linkedNode `json:"next"`
	ID   string      `json:"id" binding:"required"`
}

func TestBindJSONRecursiveTypes(t *testing.T) {
	got, err := BindJSON[treeNode](newTestRequest(`{"x":1}`))
	require.NoError(t, err)
	assert.Equal(t, 1, got.X)

	_, err = BindJSON[treeNode](newTestRequest(`{"y":1}`))
	var de *DecodeError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, DecodeMissingField, de.Kind)
	assert.Equal(t, "x", de.Field)

	_, err = BindJSON[linkedNode](newTestRequest(`{"id":"a","next":{"id":"b","next":{}}}`))
	require.True(t, errors.As(err, &de))
	assert.Equal(t, "next.next.id", de.Field)
}

func TestBindJSONInvalidUTF8Offset(t *testing.T) {
	req := newTestRequest("{\"name\":\"\xff\"}")
	_, err := BindJSON[userPayload](req)
	var de *DecodeError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, DecodeSyntax, de.Kind)
	assert.Equal(t, int64(9), de.Offset)
}

func TestBindJSONCaseVariantKeys(t *testing.T) {
	body := `{"created_by":"x","user":{"name":"a"},"USER":{"name":"a","age":1}}`
	for i := 0; i < 20; i++ {
		_, err := BindJSON[profile](newTestRequest(body))
		assert.NoError(t, err, "the last matching key decides")
	}

	body = `{"created_by":"x","USER":{"name":"a","age":1},"user":{"age":1}}`
	for i := 0; i < 20; i++ {
		_, err := BindJSON[profile](newTestRequest(body))
		var de *DecodeError
		require.True(t, errors.As(err, &de))
		assert.Equal(t, "user.name", de.Field)
	}
}

func TestBindJSONOptionalNested(t *testing.T) {
	body := `{"created_by":"x","user":{"name":"a","age":1},"address":null,"tags":[]}`
	got, err := BindJSON[profile](newTestRequest(body))
	require.NoError(t, err)
	assert.Nil(t, got.Address)
	assert.Empty(t, got.Tags)
}

func TestBindJSONKeyCaseFolding(t *testing.T) {
	got, err := BindJSON[userPayload](newTestRequest(`{"NAME":"Ada","Age":37}`))
	require.NoError(t, err)
	assert.Equal(t, userPayload{Name: "Ada", Age: 37}, got)
}

func TestBindJSONRepeatable(t *testing.T) {
	for _, body := range []string{`{"name":"Ada","age":37}`, `{not json`} {
		req := newTestRequest(body)
		before := append([]byte(nil), req.Data()...)

		first, err1 := BindJSON[userPayload](req)
		second, err2 := BindJSON[userPayload](req)

		assert.Equal(t, first, second)
		assert.Equal(t, err1, err2)
		assert.Equal(t, before, req.Data())
	}
}

func TestBindJSONNonStruct(t *testing.T) {
	got, err := BindJSON[map[string]int](newTestRequest(`{"a":1,"b":2}`))
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"a": 1, "b": 2}, got)

	list, err := BindJSON[[]string](newTestRequest(`["x","y"]`))
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y"}, list)

	_, err = BindJSON[bool](newTestRequest(`"yes"`))
	var de *DecodeError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, DecodeType, de.Kind)
}

func TestRequestBindJSONMethod(t *testing.T) {
	var user userPayload
	require.NoError(t, newTestRequest(`{"name":"Ada","age":37}`).BindJSON(&user))
	assert.Equal(t, userPayload{Name: "Ada", Age: 37}, user)

	kept := userPayload{Name: "keep", Age: 1}
	err := newTestRequest(`{"name":"Ada","age":"x"}`).BindJSON(&kept)
	require.Error(t, err)
	assert.Equal(t, userPayload{Name: "keep", Age: 1}, kept, "target untouched on failure")

	kept = userPayload{Name: "keep", Age: 1}
	err = newTestRequest(`{"name":"Ada"}`).BindJSON(&kept)
	require.Error(t, err)
	assert.Equal(t, userPayload{Name: "keep", Age: 1}, kept)

	var de *DecodeError
	err = newTestRequest(`{}`).BindJSON(user)
	require.True(t, errors.As(err, &de))
	assert.Equal(t, DecodeType, de.Kind)

	err = newTestRequest(`{}`).BindJSON(nil)
	require.True(t, errors.As(err, &de))
}

func TestDecodeErrorMessage(t *testing.T) {
	_, err := BindJSON[userPayload](newTestRequest(`{not json`))
	var de *DecodeError
	require.True(t, errors.As(err, &de))

	var syntaxErr *json.SyntaxError
	assert.True(t, errors.As(err, &syntaxErr), "cause is wrapped")
	assert.Equal(t, int64(2), de.Offset)
	assert.Equal(t, "sincere: bind json: "+de.Msg, de.Error())

	_, err = BindJSON[userPayload](newTestRequest(`{"name":"Ada"}`))
	assert.EqualError(t, err, "sincere: bind json: age: missing required field")
	assert.Equal(t, "missing field", DecodeMissingField.String())
}
