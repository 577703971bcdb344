package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeS3 struct {
	s3iface.S3API
	input *s3.PutObjectInput
	body  []byte
	err   error
}

func (f *fakeS3) PutObjectWithContext(ctx aws.Context, input *s3.PutObjectInput, opts ...request.Option) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.input = input
	body, err := io.ReadAll(input.Body)
	if err != nil {
		return nil, err
	}
	f.body = body
	return &s3.PutObjectOutput{}, nil
}

func TestMediaStorage_Upload(t *testing.T) {
	fake := &fakeS3{}
	store := NewMediaStorageFromClient(fake, "media", "https://cdn.example.com/")

	png := append([]byte("\x89PNG\r\n\x1a\n"), bytes.Repeat([]byte{0}, 32)...)
	body := bytes.NewReader(png)

	url, err := store.Upload(context.Background(), "t1", "m1", "receipt.png", body)
	require.NoError(t, err)

	assert.Equal(t, "https://cdn.example.com/t1/media/m1.png", url)
	assert.Equal(t, "media", aws.StringValue(fake.input.Bucket))
	assert.Equal(t, "t1/media/m1.png", aws.StringValue(fake.input.Key))
	assert.Equal(t, "image/png", aws.StringValue(fake.input.ContentType))
	assert.Equal(t, png, fake.body)

	rest, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, png, rest, "body is rewound for the bridge upload")
}

func TestMediaStorage_UploadFailure(t *testing.T) {
	store := NewMediaStorageFromClient(&fakeS3{err: errors.New("denied")}, "media", "https://cdn")

	_, err := store.Upload(context.Background(), "t1", "m1", "file", bytes.NewReader([]byte("x")))
	assert.Error(t, err)
}

func TestNewMediaStorage_RequiresBucket(t *testing.T) {
	_, err := NewMediaStorage(Options{})
	assert.Error(t, err)
}
