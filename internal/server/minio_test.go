package server

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormaliseEndpoint(t *testing.T) {
	tests := []struct {
		in           string
		wantEndpoint string
		wantSecure   bool
		wantErr      bool
	}{
		{"minio:9000", "minio:9000", false, false},
		{"  localhost:9000 ", "localhost:9000", false, false},
		{"http://minio:9000/", "minio:9000", false, false},
		{"https://s3.eu-west-1.amazonaws.com", "s3.eu-west-1.amazonaws.com", true, false},
		{"https://images.shop.example.com:443", "images.shop.example.com:443", true, false},
		{"http://minio:9000/shop-images", "", false, true},
		{"https://", "", false, true},
		{"", "", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			ep, secure, err := normaliseEndpoint(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantEndpoint, ep)
			assert.Equal(t, tt.wantSecure, secure)
		})
	}
}

func TestStorageConfigFromEnv(t *testing.T) {
	cfg := Config{
		S3Endpoint: "https://s3.eu-west-1.amazonaws.com", S3AccessKey: "AKIA", S3SecretKey: "secret",
		Bucket: "shop-images", CreateBucket: false,
	}
	require.True(t, cfg.StorageConfigured())
	assert.Equal(t, StorageConfig{
		Endpoint: "https://s3.eu-west-1.amazonaws.com", AccessKey: "AKIA", SecretKey: "secret", Bucket: "shop-images",
	}, cfg.StorageConfig())

	cfg.S3SecretKey = ""
	assert.False(t, cfg.StorageConfigured())
}

func TestNewMinioStore_RejectsBadConfigBeforeDialling(t *testing.T) {
	ctx := context.Background()

	_, err := NewMinioStore(ctx, StorageConfig{Endpoint: "minio:9000", AccessKey: "minio", SecretKey: "minio123"})
	assert.ErrorContains(t, err, "incomplete", "bucket is required")

	_, err = NewMinioStore(ctx, StorageConfig{
		Endpoint: "http://minio:9000/shop-images", AccessKey: "minio", SecretKey: "minio123", Bucket: "shop-images",
	})
	assert.ErrorContains(t, err, "path")
}
