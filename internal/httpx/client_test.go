package httpx

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExternalTimeout(t *testing.T) {
	assert.Equal(t, DefaultExternalTimeout, ExternalTimeout(0))
	assert.Equal(t, DefaultExternalTimeout, ExternalTimeout(-5))
	assert.Equal(t, 120*time.Second, ExternalTimeout(120))
}

func TestNewExternalClientSetsTimeout(t *testing.T) {
	c := NewExternalClient(3)
	assert.Equal(t, 3*time.Second, c.Timeout)
}
