package pattern

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExpandClass(t *testing.T) {
	ops, ok := ExpandClass("@critical")
	assert.True(t, ok)
	assert.Equal(t, []string{"recursive_delete"}, ops)

	_, ok = ExpandClass("@nope")
	assert.False(t, ok)

	// Callers cannot mutate the built-in table through the returned slice.
	ops, _ = ExpandClass("readonly")
	ops[0] = "changed"
	again, _ := ExpandClass("readonly")
	assert.Equal(t, "file_read", again[0])
}

func TestIsBuiltinClass(t *testing.T) {
	assert.True(t, IsBuiltinClass("@destructive"))
	assert.True(t, IsBuiltinClass("DESTRUCTIVE"))
	assert.False(t, IsBuiltinClass("@unknown"))
}

func TestExpandRule(t *testing.T) {
	assert.Equal(t, []string{"file_write:*.log"}, ExpandRule("file_write:*.log"))
	assert.Equal(t,
		[]string{"file_read:/etc/**", "directory_list:/etc/**", "database_read:/etc/**"},
		ExpandRule("@readonly:/etc/**"))
	assert.Equal(t, []string{"recursive_delete:**"}, ExpandRule("@critical"))
	assert.Equal(t, []string{"@bogus:/x"}, ExpandRule("@bogus:/x"))
}

func TestClassNames_Sorted(t *testing.T) {
	names := ClassNames()
	assert.Equal(t, []string{"critical", "destructive", "external", "readonly", "sensitive"}, names)
}
