package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSignVerify(t *testing.T) {
	mac := Sign("s3cret", "trackReq id=1 target=zeus1")

	assert.Len(t, mac, 64)
	assert.True(t, Verify("s3cret", "trackReq id=1 target=zeus1", mac))
	assert.False(t, Verify("other", "trackReq id=1 target=zeus1", mac), "wrong secret")
	assert.False(t, Verify("s3cret", "trackReq id=1 target=zeus2", mac), "tampered body")
	assert.False(t, Verify("s3cret", "trackReq id=1 target=zeus1", ""), "missing mac")
}

func TestSign_NoSecret(t *testing.T) {
	assert.Empty(t, Sign("", "hello"))
	assert.True(t, Verify("", "hello", ""))
	assert.True(t, Verify("", "hello", "garbage"))
}

func TestSign_Deterministic(t *testing.T) {
	assert.Equal(t, Sign("k", "body"), Sign("k", "body"))
	assert.NotEqual(t, Sign("k", "body"), Sign("k2", "body"))
}
