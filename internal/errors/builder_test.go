package errors

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuilderWithMessagef(t *testing.T) {
	err := WithError(assert.AnError).
		WithMessagef("bucket:%s, key:%s", "invoices", "inv_1.pdf").
		Mark(ErrHTTPClient)

	assert.Error(t, err)
	assert.True(t, Is(err, ErrHTTPClient))
	assert.Contains(t, err.Error(), "bucket:invoices, key:inv_1.pdf")
}

func TestBuilderMarkPreservesMessageChain(t *testing.T) {
	err := NewError("template not found").
		WithMessage("staging failed").
		WithHintf("check %s", "the template directory").
		Mark(ErrSystem)

	assert.True(t, Is(err, ErrSystem))
	assert.Contains(t, err.Error(), "template not found")
	assert.Contains(t, err.Error(), "staging failed")
}
