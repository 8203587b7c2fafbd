package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapPreservesCause(t *testing.T) {
	original := New("original")
	wrapped := Wrapf(original, "resolve taxid %d", 573)

	assert.Contains(t, wrapped.Error(), "resolve taxid 573")
	assert.Contains(t, wrapped.Error(), "original")
	assert.True(t, Is(wrapped, original))
}

type gapError struct {
	taxid int64
}

func (e *gapError) Error() string {
	return fmt.Sprintf("no lineage for %d", e.taxid)
}

func TestAsThroughWrapping(t *testing.T) {
	wrapped := Wrap(&gapError{taxid: 9606}, "report")

	var target *gapError
	require.True(t, As(wrapped, &target))
	assert.Equal(t, int64(9606), target.taxid)
}

func TestHintsAndDetails(t *testing.T) {
	err := New("bad model")
	err = WithHint(err, "check scoring.models_dir")
	err = WithDetailf(err, "path: %s", "/on/0/op")

	assert.Equal(t, []string{"check scoring.models_dir"}, GetAllHints(err))
	assert.Equal(t, []string{"path: /on/0/op"}, GetAllDetails(err))
}

func TestStackTrace(t *testing.T) {
	err := New("with stack")

	detailed := fmt.Sprintf("%+v", err)
	assert.Contains(t, detailed, "errors_test.go")
}

func TestNilHandling(t *testing.T) {
	assert.Nil(t, Wrap(nil, "context"))
	assert.Nil(t, Wrapf(nil, "context %d", 1))
	assert.Nil(t, WithHint(nil, "hint"))
	assert.Nil(t, WithDetail(nil, "detail"))
	assert.False(t, IsNotFoundError(nil))
	assert.False(t, IsConflictError(nil))
}

func TestSentinelConstructors(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(error) bool
		msg   string
	}{
		{"not found", NewNotFoundError("background %d", 7), IsNotFoundError, "background 7"},
		{"invalid request", NewInvalidRequestError("top_n %d", -1), IsInvalidRequestError, "top_n -1"},
		{"conflict", NewConflictError("taxid %d overlaps", 562), IsConflictError, "taxid 562 overlaps"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, tt.check(tt.err))
			assert.Equal(t, tt.msg, tt.err.Error())

			wrapped := Wrap(tt.err, "outer")
			assert.True(t, tt.check(wrapped), "mark survives wrapping")
		})
	}

	assert.False(t, IsNotFoundError(NewConflictError("x")))
}

func ExampleMark() {
	err := Mark(New("range overlaps"), ErrConflict)
	fmt.Println(IsConflictError(Wrap(err, "publish")))
	// Output: true
}

func ExampleWrap() {
	baseErr := New("connection failed")
	err := Wrap(baseErr, "failed to open database")
	fmt.Println(err)
	// Output: failed to open database: connection failed
}
