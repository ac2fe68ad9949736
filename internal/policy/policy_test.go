package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phobologic/protoscan/internal/model"
)

func TestTestScaffolding(t *testing.T) {
	t.Parallel()

	p, err := TestScaffolding()
	require.NoError(t, err)

	tests := []struct {
		name string
		want bool
	}{
		{"TestRunner", true},
		{"test_runner", true},
		{"Runner", false},
		{"Tester", true},
		{"Contest", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.ExcludeType(&model.Type{Name: tt.name, File: "app/run.py"}), tt.name)
	}

	assert.True(t, p.ExcludeFunction(&model.Function{Name: "test_run", File: "app/run.py"}))
	assert.False(t, p.ExcludeFunction(&model.Function{Name: "run", File: "app/run.py"}))
	assert.False(t, p.ExcludeFunction(&model.Function{Name: "TestRun", File: "app/run.py"}))
	assert.False(t, p.ExcludeType(&model.Type{Name: "Runner", File: "tests/test_run.py"}),
		"test files are only excluded with WithTestFiles")
}

func TestWithTestFiles(t *testing.T) {
	t.Parallel()

	p, err := TestScaffolding(WithTestFiles())
	require.NoError(t, err)

	assert.True(t, p.ExcludeType(&model.Type{Name: "Runner", File: "tests/helpers.py"}))
	assert.True(t, p.ExcludeFunction(&model.Function{Name: "run", File: "pkg/test_api.py"}))
	assert.False(t, p.ExcludeType(&model.Type{Name: "Runner", File: "pkg/api.py"}))
	assert.True(t, p.ExcludeLambda(&model.Lambda{File: "tests/test_api.py"}))
	assert.False(t, p.ExcludeLambda(&model.Lambda{File: "pkg/api.py"}))
}

func TestWithGlobs(t *testing.T) {
	t.Parallel()

	p, err := New(WithGlobs("**/fixtures/**", "vendor/*.py"))
	require.NoError(t, err)

	assert.True(t, p.ExcludeType(&model.Type{Name: "A", File: "pkg/fixtures/a.py"}))
	assert.True(t, p.ExcludeFunction(&model.Function{Name: "f", File: "vendor/lib.py"}))
	assert.False(t, p.ExcludeFunction(&model.Function{Name: "f", File: "vendor/deep/lib.py"}))
	assert.True(t, p.ExcludeLambda(&model.Lambda{File: "pkg/fixtures/a.py"}))
	assert.False(t, p.ExcludeLambda(&model.Lambda{File: "pkg/a.py"}))
	assert.False(t, p.ExcludeType(&model.Type{Name: "TestA", File: "pkg/a.py"}),
		"New does not enable scaffolding rules")
}

func TestInvalidGlob(t *testing.T) {
	t.Parallel()

	_, err := New(WithGlobs("[unclosed"))
	assert.Error(t, err)
}

func TestNone(t *testing.T) {
	t.Parallel()

	p := None()
	assert.False(t, p.ExcludeType(&model.Type{Name: "TestRunner", File: "tests/x.py"}))
	assert.False(t, p.ExcludeFunction(&model.Function{Name: "test_x", File: "tests/x.py"}))
	assert.False(t, p.ExcludeLambda(&model.Lambda{File: "tests/x.py"}))
}
