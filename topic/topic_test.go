package topic

import (
	"errors"
	"testing"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	valid := []string{"ftrack.update", "x.y", "x.*", "*", "log", "entity.task.*", "a-b.c_d", "sync*", "x.*.done"}
	for _, v := range valid {
		assert.NoError(t, Validate(v), v)
	}

	invalid := []string{"", "x..y", ".x", "x.", "x.**", "*.*", "x y", "x.y%", "a*b", "x.y!"}
	for _, v := range invalid {
		err := Validate(v)
		require.Error(t, err, v)
		assert.True(t, errors.Is(err, ErrInvalidTopic), v)
	}
}

func TestValidate_ErrorNamesOffendingTopic(t *testing.T) {
	err := Validate("bad topic")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad topic")
}

func TestValidateTarget(t *testing.T) {
	assert.NoError(t, ValidateTarget("x.done"))

	err := ValidateTarget("x.*")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidTargetTopic))

	err = ValidateTarget("x..done")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidTargetTopic))
}

func TestToLike(t *testing.T) {
	assert.Equal(t, "x.%", ToLike("x.*"))
	assert.Equal(t, "sync!_to%", ToLike("sync_to*"))
	assert.Equal(t, "ftrack.update", ToLike("ftrack.update"))
}

func TestMatcher_Match(t *testing.T) {
	m, err := Compile("x.*", "ftrack.update")
	require.NoError(t, err)

	assert.True(t, m.Match("x.y"))
	assert.True(t, m.Match("x.y.z"))
	assert.True(t, m.Match("ftrack.update"))
	assert.False(t, m.Match("ftrack.updates"))
	assert.False(t, m.Match("y.x"))
	assert.Equal(t, []string{"x.*", "ftrack.update"}, m.Patterns())
}

func TestMatcher_UnderscoreIsLiteral(t *testing.T) {
	m, err := Compile("a_b.*")
	require.NoError(t, err)
	assert.True(t, m.Match("a_b.c"))
	assert.False(t, m.Match("axb.c"))
}

func TestCompile_Invalid(t *testing.T) {
	_, err := Compile()
	assert.True(t, errors.Is(err, ErrInvalidTopic))

	_, err = Compile("x.*", "x..y")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidTopic))
	assert.Contains(t, err.Error(), "x..y")
}

func TestMatcher_Predicate(t *testing.T) {
	m, err := Compile("x.*")
	require.NoError(t, err)

	sql, args, err := goqu.Dialect("sqlite3").From("events").Where(m.Predicate("topic")).Prepared(true).ToSQL()
	require.NoError(t, err)
	assert.Contains(t, sql, "LIKE ? ESCAPE '!'")
	assert.Equal(t, []interface{}{"x.%"}, args)

	m, err = Compile("x.y", "a.*")
	require.NoError(t, err)

	sql, args, err = goqu.Dialect("sqlite3").From("events").Where(m.Predicate("topic")).Prepared(true).ToSQL()
	require.NoError(t, err)
	assert.Contains(t, sql, " OR ")
	assert.Equal(t, []interface{}{"x.y", "a.%"}, args)
}

func TestCompile_UsesCache(t *testing.T) {
	a, err := Compile("cache.*")
	require.NoError(t, err)
	b, err := Compile("cache.*")
	require.NoError(t, err)
	assert.Same(t, a.patterns[0], b.patterns[0])
}
