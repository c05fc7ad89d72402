package contracts

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseJSON(t *testing.T) {
	t.Run("parses nested document", func(t *testing.T) {
		v, err := ParseJSON([]byte(`{"a":{"b":[1,"two",true,null]},"n":1.50}`))
		require.NoError(t, err)

		assert.Equal(t, ObjectKind, v.Kind())
		assert.Equal(t, []string{"a", "n"}, v.Keys())

		a, ok := v.Field("a")
		require.True(t, ok)
		b, ok := a.Field("b")
		require.True(t, ok)
		assert.Equal(t, 4, b.Len())

		n, ok := b.Index(0).AsNumber()
		assert.True(t, ok)
		assert.Equal(t, json.Number("1"), n)

		s, ok := b.Index(1).AsString()
		assert.True(t, ok)
		assert.Equal(t, "two", s)

		flag, ok := b.Index(2).AsBool()
		assert.True(t, ok)
		assert.True(t, flag)

		assert.True(t, b.Index(3).IsNull())
		assert.True(t, b.Index(10).IsNull())
	})

	t.Run("keeps number literals", func(t *testing.T) {
		v, err := ParseJSON([]byte(`{"n":1.50,"big":12345678901234567890}`))
		require.NoError(t, err)
		assert.Equal(t, `{"big":12345678901234567890,"n":1.50}`, v.String())
	})

	t.Run("rejects invalid json", func(t *testing.T) {
		_, err := ParseJSON([]byte(`{"a":`))
		assert.Error(t, err)
	})

	t.Run("rejects trailing data", func(t *testing.T) {
		_, err := ParseJSON([]byte(`{} {}`))
		assert.Error(t, err)
	})
}

func TestFromInterface(t *testing.T) {
	t.Run("normalizes non-string keys", func(t *testing.T) {
		v, err := FromInterface(map[interface{}]interface{}{
			1:     "one",
			"two": 2,
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"1", "two"}, v.Keys())
	})

	t.Run("accepts lists without normalization", func(t *testing.T) {
		v, err := FromInterface([]interface{}{"a", 1})
		require.NoError(t, err)
		assert.Equal(t, ArrayKind, v.Kind())
		assert.Equal(t, 2, v.Len())
	})

	t.Run("goes through json for structs", func(t *testing.T) {
		type book struct {
			Title string `json:"title"`
			Pages int    `json:"pages"`
		}
		v, err := FromInterface(book{Title: "Dune", Pages: 412})
		require.NoError(t, err)
		assert.Equal(t, `{"pages":412,"title":"Dune"}`, v.String())
	})

	t.Run("fails for unsupported types", func(t *testing.T) {
		_, err := FromInterface(make(chan int))
		assert.Error(t, err)
	})
}

func TestValueEqual(t *testing.T) {
	a, _ := ParseJSON([]byte(`{"x":[1,{"y":"z"}],"n":1}`))
	b, _ := ParseJSON([]byte(`{"n":1.0,"x":[1,{"y":"z"}]}`))
	c, _ := ParseJSON([]byte(`{"n":2,"x":[1,{"y":"z"}]}`))

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
	assert.False(t, a.Equal(Null()))
	assert.True(t, Null().Equal(Value{}))
}

func TestValueImmutability(t *testing.T) {
	src := map[string]Value{"a": StringValue("b")}
	v := ObjectValue(src)
	src["a"] = StringValue("changed")

	field, _ := v.Field("a")
	s, _ := field.AsString()
	assert.Equal(t, "b", s)

	plain := v.Interface().(map[string]interface{})
	plain["a"] = "mutated"
	field, _ = v.Field("a")
	s, _ = field.AsString()
	assert.Equal(t, "b", s)
}

func TestValueJSONRoundTrip(t *testing.T) {
	var v Value
	require.NoError(t, json.Unmarshal([]byte(`{"list":[1,2],"ok":false}`), &v))

	data, err := json.Marshal(v)
	require.NoError(t, err)
	assert.JSONEq(t, `{"list":[1,2],"ok":false}`, string(data))
}

func TestFloatValue(t *testing.T) {
	assert.Equal(t, "0.25", FloatValue(0.25).String())
	assert.Equal(t, "3", IntValue(3).String())
}
