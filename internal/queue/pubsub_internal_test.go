package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackstopAttempts(t *testing.T) {
	assert.Equal(t, int32(7), backstopAttempts(5))
	assert.Equal(t, int32(7), backstopAttempts(0), "zero falls back to the default limit")
	assert.Equal(t, int32(5), backstopAttempts(1), "pub/sub refuses fewer than five")
	assert.Equal(t, int32(100), backstopAttempts(500), "pub/sub refuses more than one hundred")
}

func TestAckDeadlineSeconds(t *testing.T) {
	assert.Equal(t, int32(10), ackDeadlineSeconds(time.Second))
	assert.Equal(t, int32(120), ackDeadlineSeconds(2*time.Minute))
	assert.Equal(t, int32(600), ackDeadlineSeconds(time.Hour))
}
