package llm

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLenientUnmarshal(t *testing.T) {
	type payload struct {
		Label string  `json:"label"`
		Score float64 `json:"score"`
	}

	tests := []struct {
		name string
		raw  string
		want payload
	}{
		{"plain", `{"label":"TRUE","score":0.9}`, payload{"TRUE", 0.9}},
		{"json fence", "```json\n{\"label\":\"TRUE\",\"score\":0.9}\n```", payload{"TRUE", 0.9}},
		{"bare fence", "```\n{\"label\":\"TRUE\",\"score\":0.9}\n```", payload{"TRUE", 0.9}},
		{"leading chatter", "Here is the verdict:\n{\"label\":\"FALSE\",\"score\":0.2}\nHope that helps!", payload{"FALSE", 0.2}},
		{"brace inside string", `prefix {"label":"a{b}c","score":1}`, payload{"a{b}c", 1}},
		{"escaped quote inside string", `x {"label":"say \"hi\"","score":1}`, payload{`say "hi"`, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got payload
			require.NoError(t, LenientUnmarshal(tt.raw, &got))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLenientUnmarshalArray(t *testing.T) {
	var got []int
	require.NoError(t, LenientUnmarshal("the numbers are [1,2,3] as requested", &got))
	assert.Equal(t, []int{1, 2, 3}, got)
}

func TestLenientUnmarshalFailure(t *testing.T) {
	var got map[string]any
	assert.Error(t, LenientUnmarshal("no json here at all", &got))
	assert.Error(t, LenientUnmarshal("{\"unbalanced\": ", &got))
}

func TestExtractJSON(t *testing.T) {
	assert.Equal(t, `{"a":1}`, extractJSON(`text {"a":1} trailing`))
	assert.Equal(t, `[{"a":1},{"b":2}]`, extractJSON(`list: [{"a":1},{"b":2}] done`))
	assert.Equal(t, "", extractJSON("nothing"))
	assert.Equal(t, "", extractJSON(`{"never closed`))
}

func TestParseErrorUnwrap(t *testing.T) {
	inner := errors.New("boom")
	err := &ParseError{Raw: "raw output", Err: inner}
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "json parse failed")
}
