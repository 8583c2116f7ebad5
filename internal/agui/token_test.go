package agui

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeviceToken_RoundTrip(t *testing.T) {
	id := uuid.NewString()
	token := CreateDeviceToken("s3cret", id)

	head, sig, ok := strings.Cut(token, ".")
	require.True(t, ok)
	assert.NotContains(t, head, "=")
	assert.Len(t, sig, 32)

	got, ok := VerifyDeviceToken(token, "s3cret")
	require.True(t, ok)
	assert.Equal(t, id, got)
}

func TestVerifyDeviceToken_Rejects(t *testing.T) {
	id := uuid.NewString()
	good := CreateDeviceToken("s3cret", id)
	head, sig, _ := strings.Cut(good, ".")

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"no dot", head},
		{"leading dot", "." + sig},
		{"trailing dot", head + "."},
		{"wrong secret", CreateDeviceToken("other", id)},
		{"short signature", head + "." + sig[:31]},
		{"tampered signature", head + "." + strings.Repeat("0", 32)},
		{"not base64", "!!!." + sig},
		{"not a uuid", CreateDeviceToken("s3cret", "device-1")},
		{"uuid without hyphens", CreateDeviceToken("s3cret", strings.ReplaceAll(id, "-", ""))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := VerifyDeviceToken(tt.token, "s3cret")
			assert.False(t, ok)
		})
	}
}

func TestVerifyDeviceToken_PaddedHead(t *testing.T) {
	id := uuid.NewString()
	token := CreateDeviceToken("s3cret", id)
	head, sig, _ := strings.Cut(token, ".")

	got, ok := VerifyDeviceToken(head+"=="+"."+sig, "s3cret")
	require.True(t, ok)
	assert.Equal(t, id, got)
}
