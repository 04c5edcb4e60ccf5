package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGenerator_NewDocumentID_UniqueAndStable(t *testing.T) {
	gen := NewGenerator()
	a := gen.NewDocumentID()
	b := gen.NewDocumentID()

	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
}
