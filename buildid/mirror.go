// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package buildid // import "go.opentelemetry.io/perfsession/buildid"

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/klauspost/compress/zstd"
	sha256 "github.com/minio/sha256-simd"
	log "github.com/sirupsen/logrus"
)

const (
	// localTempPrefix marks files that are still being written.
	localTempPrefix = "tmp."
	// s3KeyPrefix is prepended to all S3 keys.
	s3KeyPrefix = "buildid/"
	// pathMetadataKey stores the real path of the cached file.
	pathMetadataKey = "path"
)

// S3API is the subset of the S3 client used by Mirror.
type S3API interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput,
		opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput,
		opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput,
		opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

var _ S3API = (*s3.Client)(nil)

// Mirror copies cache entries to and from an S3 bucket. Objects are zstd
// compressed and keyed like the index: buildid/<2 hex>/<rest>.
type Mirror struct {
	client S3API
	bucket string
	cache  *Cache
}

// NewMirror returns a mirror of cache in bucket.
func NewMirror(client S3API, bucket string, cache *Cache) *Mirror {
	return &Mirror{client: client, bucket: bucket, cache: cache}
}

func makeS3Key(sbuildID string) string {
	return s3KeyPrefix + sbuildID[:2] + "/" + sbuildID[2:]
}

// Push uploads the cached content of sbuildID unless the bucket has it.
func (m *Mirror) Push(ctx context.Context, sbuildID string) error {
	if err := validate(sbuildID); err != nil {
		return err
	}
	key := makeS3Key(sbuildID)
	present, err := m.isPresentRemotely(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to query %s: %w", key, err)
	}
	if present {
		return nil
	}

	link := m.cache.LinkPath(sbuildID)
	target, err := os.Readlink(link)
	if err != nil {
		return fmt.Errorf("%s is not cached: %w", sbuildID, err)
	}
	realname, err := filepath.Rel(filepath.Join("..", ".."), filepath.Dir(target))
	if err != nil {
		return err
	}

	in, err := os.Open(filepath.Join(filepath.Dir(link), target))
	if err != nil {
		return err
	}
	defer in.Close()

	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	if err != nil {
		return err
	}
	if _, err = io.Copy(enc, in); err != nil {
		enc.Close()
		return fmt.Errorf("failed to compress %s: %w", sbuildID, err)
	}
	if err = enc.Close(); err != nil {
		return err
	}

	sum := sha256.Sum256(buf.Bytes())
	checksum := base64.StdEncoding.EncodeToString(sum[:])
	_, err = m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:         aws.String(m.bucket),
		Key:            aws.String(key),
		Body:           bytes.NewReader(buf.Bytes()),
		ContentType:    aws.String("application/zstd"),
		ChecksumSHA256: aws.String(checksum),
		Metadata:       map[string]string{pathMetadataKey: filepath.ToSlash(realname)},
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}
	log.Debugf("Pushed %s (%d bytes)", key, buf.Len())
	return nil
}

// Pull downloads sbuildID into the cache unless it is cached already and
// returns the index entry.
func (m *Mirror) Pull(ctx context.Context, sbuildID string) (string, error) {
	if err := validate(sbuildID); err != nil {
		return "", err
	}
	if link, ok := m.cache.Lookup(sbuildID); ok {
		return link, nil
	}

	key := makeS3Key(sbuildID)
	resp, err := m.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", fmt.Errorf("failed to download %s: %w", key, err)
	}
	defer resp.Body.Close()

	realname := resp.Metadata[pathMetadataKey]
	if realname == "" {
		return "", fmt.Errorf("object %s lacks its path", key)
	}
	realname = filepath.Join(string(filepath.Separator), filepath.FromSlash(realname))

	content := m.cache.contentPath(sbuildID, realname)
	if err := os.MkdirAll(filepath.Dir(content), 0o755); err != nil {
		return "", err
	}
	dec, err := zstd.NewReader(resp.Body)
	if err != nil {
		return "", err
	}
	defer dec.Close()

	// Download to a temporary file to prevent half-complete entries on crashes.
	file, err := os.CreateTemp(filepath.Dir(content), localTempPrefix)
	if err != nil {
		return "", fmt.Errorf("failed to create local file: %w", err)
	}
	defer file.Close()
	if _, err = io.Copy(file, dec); err != nil {
		_ = os.Remove(file.Name())
		return "", fmt.Errorf("failed to receive %s: %w", key, err)
	}
	if err = file.Chmod(0o644); err != nil {
		_ = os.Remove(file.Name())
		return "", err
	}
	if err = commitTempFile(file, content); err != nil {
		return "", err
	}
	if err = m.cache.link(sbuildID, realname); err != nil {
		return "", err
	}
	return m.cache.LinkPath(sbuildID), nil
}

func (m *Mirror) isPresentRemotely(ctx context.Context, key string) (bool, error) {
	_, err := m.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isErrNoSuchKey(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// commitTempFile makes sure that the given file is flushed to disk, then
// moves it to its final destination.
func commitTempFile(temp *os.File, finalPath string) error {
	if err := syscall.Fsync(int(temp.Fd())); err != nil {
		return fmt.Errorf("failed to flush file to disk: %w", err)
	}
	if err := os.Rename(temp.Name(), finalPath); err != nil {
		return fmt.Errorf("failed to move file to final location: %w", err)
	}
	return nil
}

// isErrNoSuchKey checks whether the given AWS error indicates that the key
// does not exist. HeadObject reports a missing key as NotFound.
func isErrNoSuchKey(err error) bool {
	var noSuchKey *s3types.NoSuchKey
	var notFound *s3types.NotFound
	return errors.As(err, &noSuchKey) || errors.As(err, &notFound)
}
