// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package buildid

import (
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	sha256 "github.com/minio/sha256-simd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeObject struct {
	data     []byte
	metadata map[string]string
}

// fakeS3 is an in-memory bucket.
type fakeS3 struct {
	t       *testing.T
	objects map[string]fakeObject
	puts    int
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput,
	_ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if _, ok := f.objects[*in.Key]; !ok {
		return nil, &s3types.NotFound{}
	}
	return &s3.HeadObjectOutput{}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput,
	_ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	require.NoError(f.t, err)
	sum := sha256.Sum256(data)
	assert.Equal(f.t, base64.StdEncoding.EncodeToString(sum[:]), *in.ChecksumSHA256)
	f.objects[*in.Key] = fakeObject{data: data, metadata: in.Metadata}
	f.puts++
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput,
	_ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	obj, ok := f.objects[*in.Key]
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{
		Body:     io.NopCloser(bytes.NewReader(obj.data)),
		Metadata: obj.metadata,
	}, nil
}

func TestMirrorRoundTrip(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	bin := filepath.Join(root, "bin", "init")
	writeFile(t, bin, "ELF payload")
	realBin, err := filepath.EvalSymlinks(bin)
	require.NoError(t, err)

	bucket := &fakeS3{t: t, objects: map[string]fakeObject{}}
	src := New(filepath.Join(root, "src"))
	require.NoError(t, src.Add(testBuildID, bin, false))

	m := NewMirror(bucket, "bucket", src)
	require.NoError(t, m.Push(ctx, testBuildID))
	require.NoError(t, m.Push(ctx, testBuildID))
	assert.Equal(t, 1, bucket.puts)
	require.Contains(t, bucket.objects, "buildid/01/"+testBuildID[2:])

	dst := New(filepath.Join(root, "dst"))
	link, err := NewMirror(bucket, "bucket", dst).Pull(ctx, testBuildID)
	require.NoError(t, err)
	assert.Equal(t, dst.LinkPath(testBuildID), link)

	got, err := os.ReadFile(link)
	require.NoError(t, err)
	assert.Equal(t, "ELF payload", string(got))

	target, err := os.Readlink(link)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("..", "..", realBin, testBuildID), target)

	// No temporary files stay behind.
	entries, err := os.ReadDir(filepath.Dir(dst.contentPath(testBuildID, realBin)))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestMirrorErrors(t *testing.T) {
	ctx := context.Background()
	bucket := &fakeS3{t: t, objects: map[string]fakeObject{}}
	m := NewMirror(bucket, "bucket", New(t.TempDir()))

	assert.Error(t, m.Push(ctx, testBuildID), "not cached")
	_, err := m.Pull(ctx, testBuildID)
	assert.ErrorAs(t, err, new(*s3types.NoSuchKey))
	assert.ErrorIs(t, m.Push(ctx, "zz"), ErrInvalidBuildID)
	assert.True(t, isErrNoSuchKey(&s3types.NotFound{}))
}
