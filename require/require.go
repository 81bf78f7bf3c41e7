package require

import (
	"errors"

	"github.com/alecthomas/assert"
)

// thin layer over github.com/alecthomas/assert, which already stops
// the test on the first failure.
// only the functions the warehouse tests use

// TestingT is an interface wrapper around *testing.T
type TestingT interface {
	Errorf(format string, args ...interface{})
	FailNow()
}

// Len asserts that the specified object has specific length.
//
//	require.Len(t, records, 3)
func Len(t TestingT, object interface{}, length int, msgAndArgs ...interface{}) {
	assert.Len(t, object, length, msgAndArgs...)
}

// Empty asserts that the object is nil, "", 0 or a zero length slice/map
func Empty(t TestingT, object interface{}, msgAndArgs ...interface{}) {
	assert.Empty(t, object, msgAndArgs...)
}

// NoError asserts that a function returned no error (i.e. `nil`).
func NoError(t TestingT, err error, msgAndArgs ...interface{}) {
	assert.NoError(t, err, msgAndArgs...)
}

// Error asserts that a function returned an error
func Error(t TestingT, err error, msgAndArgs ...interface{}) {
	assert.Error(t, err, msgAndArgs...)
}

// ErrorIs asserts that errors.Is(err, target) is true
//
//	require.ErrorIs(t, err, warehouse.ErrMissingID)
func ErrorIs(t TestingT, err error, target error, msgAndArgs ...interface{}) {
	if err == nil {
		t.Errorf("expected error matching '%v', got nil", target)
		t.FailNow()
		return
	}
	if len(msgAndArgs) == 0 {
		msgAndArgs = []interface{}{"error '%v' is not '%v'", err, target}
	}
	assert.True(t, errors.Is(err, target), msgAndArgs...)
}

// Equal asserts that two objects are equal.
//
//	require.Equal(t, "9", warehouse.PartitionFor("90210"))
func Equal(t TestingT, expected interface{}, actual interface{}, msgAndArgs ...interface{}) {
	assert.Equal(t, expected, actual, msgAndArgs...)
}

// NotEqual asserts that the specified values are NOT equal.
func NotEqual(t TestingT, expected interface{}, actual interface{}, msgAndArgs ...interface{}) {
	assert.NotEqual(t, expected, actual, msgAndArgs...)
}

// NotNil asserts that the specified object is not nil.
func NotNil(t TestingT, object interface{}, msgAndArgs ...interface{}) {
	assert.NotNil(t, object, msgAndArgs...)
}

// True asserts that the specified value is true.
func True(t TestingT, value bool, msgAndArgs ...interface{}) {
	assert.True(t, value, msgAndArgs...)
}

// False asserts that the specified value is false.
func False(t TestingT, value bool, msgAndArgs ...interface{}) {
	assert.False(t, value, msgAndArgs...)
}
