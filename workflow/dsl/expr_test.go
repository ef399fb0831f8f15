package dsl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluate(t *testing.T) {
	vars := map[string]any{
		"score":  0.9,
		"count":  5,
		"status": "active",
		"flag":   true,
		"empty":  "",
		"result": map[string]any{
			"score": 42,
			"tags":  []any{"a", "b"},
		},
	}

	tests := []struct {
		name string
		expr string
		want bool
	}{
		{"greater", `score > 0.8`, true},
		{"less", `score < 0.8`, false},
		{"equal string", `status == "active"`, true},
		{"single quoted", `status == 'active'`, true},
		{"not equal", `count != 0`, true},
		{"gte int vs float", `count >= 5.0`, true},
		{"lte", `count <= 4`, false},
		{"and", `flag && count > 1`, true},
		{"or short circuit", `flag || missing.deep > 1`, true},
		{"not", `!flag`, false},
		{"double not", `!!status`, true},
		{"nested path", `result.score == 42`, true},
		{"slice index", `result.tags.1 == "b"`, true},
		{"index out of range is nil", `result.tags.5 == null`, true},
		{"missing is nil", `missing == null`, true},
		{"nil sorts first", `missing < 0`, true},
		{"arithmetic", `count * 2 + 1 == 11`, true},
		{"precedence", `1 + 2 * 3 == 7`, true},
		{"parens", `(1 + 2) * 3 == 9`, true},
		{"modulo", `count % 2 == 1`, true},
		{"negative", `-count < 0`, true},
		{"string concat", `status + "!" == "active!"`, true},
		{"numeric string", `"10" > 9`, true},
		{"empty string is false", `empty`, false},
		{"dollar prefix", `$count == 5`, true},
		{"blank expression", `   `, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Evaluate(tt.expr, vars)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCompileErrors(t *testing.T) {
	for _, src := range []string{
		`(a == 1`,
		`a ==`,
		`"unterminated`,
		`a # b`,
		`a b`,
		`1.2.3 == 1`,
	} {
		_, err := Compile(src)
		assert.Error(t, err, src)
	}
}

func TestEvalErrors(t *testing.T) {
	_, err := Evaluate(`1 / 0`, nil)
	assert.ErrorContains(t, err, "division by zero")

	_, err = Evaluate(`flag * 2`, map[string]any{"flag": true})
	assert.Error(t, err)

	_, err = Evaluate(`-name`, map[string]any{"name": "x"})
	assert.Error(t, err)
}

func TestCompiledExprReuse(t *testing.T) {
	e := MustCompile(`i < limit`)
	assert.Equal(t, `i < limit`, e.String())

	for i := 0; i < 3; i++ {
		ok, err := e.EvalBool(map[string]any{"i": i, "limit": 2})
		require.NoError(t, err)
		assert.Equal(t, i < 2, ok)
	}

	v, err := MustCompile(`i + 1`).Eval(map[string]any{"i": 1})
	require.NoError(t, err)
	assert.Equal(t, 2.0, v)
}

func TestMustCompilePanics(t *testing.T) {
	assert.Panics(t, func() { MustCompile(`(`) })
}

func TestTruthy(t *testing.T) {
	assert.False(t, Truthy(nil))
	assert.False(t, Truthy(0))
	assert.False(t, Truthy("false"))
	assert.False(t, Truthy([]any{}))
	assert.False(t, Truthy(map[string]any{}))
	assert.True(t, Truthy(1.5))
	assert.True(t, Truthy("yes"))
	assert.True(t, Truthy([]any{1}))
	assert.True(t, Truthy(struct{}{}))
}
