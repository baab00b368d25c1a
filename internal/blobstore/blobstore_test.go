package blobstore

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObjectKey(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	key := ObjectKey("dev-1", "audio", now)
	assert.True(t, strings.HasPrefix(key, "recordings/dev-1/2025-03-01/audio-"), key)

	other := ObjectKey("dev-1", "audio", now)
	assert.NotEqual(t, key, other)
}

func TestPresignUpload(t *testing.T) {
	ctx := context.Background()
	p, err := NewS3(ctx, Options{
		Endpoint:  "http://localhost:9000",
		Region:    "auto",
		Bucket:    "recordings",
		AccessKey: "test-access",
		SecretKey: "test-secret",
		URLTTL:    time.Hour,
	})
	require.NoError(t, err)

	url, key, err := p.PresignUpload(ctx, "dev-1", "video", "video/mp4")
	require.NoError(t, err)
	assert.Contains(t, url, "localhost:9000")
	assert.Contains(t, url, "recordings")
	assert.Contains(t, url, "X-Amz-Signature")
	assert.True(t, strings.HasPrefix(key, "recordings/dev-1/"))

	dl, err := p.PresignDownload(ctx, key)
	require.NoError(t, err)
	assert.Contains(t, dl, "X-Amz-Signature")

	_, err = p.PresignDownload(ctx, "  ")
	assert.Error(t, err)
}
