package errors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIs_MatchesWrappedCode(t *testing.T) {
	err := New(CodeFatalInsert, errors.New("vendor code 0 rejected row"))
	assert.True(t, Is(err, CodeFatalInsert))
	assert.False(t, Is(err, CodeDataInsertError))
}

func TestIs_FalseForPlainError(t *testing.T) {
	assert.False(t, Is(errors.New("plain"), CodeFatalInsert))
}

func TestIsFatal_OnlyTrueForFatalInsert(t *testing.T) {
	assert.True(t, IsFatal(New(CodeFatalInsert, errors.New("boom"))))
	assert.False(t, IsFatal(New(CodeTransientWarehouse, errors.New("boom"))))
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("underlying")
	err := New(CodeSetupError, cause)
	assert.ErrorIs(t, err, cause)
}
