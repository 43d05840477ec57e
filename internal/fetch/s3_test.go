package fetch

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type s3Double struct {
	data []byte
	err  error

	bucket string
	key    string
}

func (d *s3Double) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	d.bucket = aws.ToString(in.Bucket)
	d.key = aws.ToString(in.Key)

	if d.err != nil {
		return nil, d.err
	}

	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(d.data)),
		ContentLength: aws.Int64(int64(len(d.data))),
	}, nil
}

func TestFetchS3(t *testing.T) {
	content := []byte("object body")
	double := &s3Double{data: content}

	dest := filepath.Join(t.TempDir(), "obj.bin")

	var snaps []Progress

	res, err := New("s3://my-bucket/deep/path/obj.bin", dest, Options{
		S3:         double,
		OnProgress: func(p Progress) { snaps = append(snaps, p) },
	}).Fetch(nil)
	require.NoError(t, err)

	assert.Equal(t, "my-bucket", double.bucket)
	assert.Equal(t, "deep/path/obj.bin", double.key)
	assert.Equal(t, content, res.Data)

	onDisk, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, content, onDisk)

	// ContentLength seeds the progress total.
	require.NotEmpty(t, snaps)
	assert.Equal(t, int64(len(content)), snaps[0].Total)
}

func TestFetchS3Error(t *testing.T) {
	wantErr := errors.New("access denied")
	double := &s3Double{err: wantErr}

	dest := filepath.Join(t.TempDir(), "obj.bin")

	_, err := New("s3://my-bucket/obj.bin", dest, Options{S3: double}).Fetch(nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, wantErr)
	assert.NoFileExists(t, dest)
}

func TestSplitS3URL(t *testing.T) {
	tests := []struct {
		raw        string
		wantBucket string
		wantKey    string
		wantErr    bool
	}{
		{raw: "s3://bucket/key", wantBucket: "bucket", wantKey: "key"},
		{raw: "s3://bucket/a/b/c.bin", wantBucket: "bucket", wantKey: "a/b/c.bin"},
		{raw: "s3://bucket", wantErr: true},
		{raw: "s3://bucket/", wantErr: true},
		{raw: "s3:///key", wantErr: true},
	}

	for _, tc := range tests {
		u, err := url.Parse(tc.raw)
		require.NoError(t, err, "url %s", tc.raw)

		bucket, key, err := splitS3URL(u)

		if tc.wantErr {
			assert.Error(t, err, "url %s", tc.raw)

			continue
		}

		require.NoError(t, err, "url %s", tc.raw)
		assert.Equal(t, tc.wantBucket, bucket, "url %s", tc.raw)
		assert.Equal(t, tc.wantKey, key, "url %s", tc.raw)
	}
}
