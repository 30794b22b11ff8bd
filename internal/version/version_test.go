package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGettersMatchInfo(t *testing.T) {
	v, c, d := Info()

	assert.NotEmpty(t, v)
	assert.Equal(t, v, GetVersion())
	assert.Equal(t, c, GetCommit())
	assert.Equal(t, d, GetDate())
}

func TestString(t *testing.T) {
	s := String()

	assert.Contains(t, s, "ordersaga")
	assert.Contains(t, s, "version="+GetVersion())
	assert.Contains(t, s, "commit="+GetCommit())
	assert.Contains(t, s, "date="+GetDate())
}
