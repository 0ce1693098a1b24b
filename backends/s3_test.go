package backends

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeS3 serves just enough of the S3 REST API for HEAD and PUT object.
type fakeS3 struct {
	mu       sync.Mutex
	objects  map[string][]byte
	metadata map[string]string
	ifNone   []string
	headCode int // if non-zero, HEAD responds with this status
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch r.Method {
	case http.MethodHead:
		if f.headCode != 0 {
			w.WriteHeader(f.headCode)
			return
		}
		if _, ok := f.objects[r.URL.Path]; !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	case http.MethodPut:
		ifNone := r.Header.Get("If-None-Match")
		f.ifNone = append(f.ifNone, ifNone)
		if _, ok := f.objects[r.URL.Path]; ok && ifNone == "*" {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusPreconditionFailed)
			io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>PreconditionFailed</Code><Message>At least one of the pre-conditions you specified did not hold</Message></Error>`)
			return
		}
		body, _ := io.ReadAll(r.Body)
		f.objects[r.URL.Path] = body
		f.metadata = map[string]string{
			"compression": r.Header.Get("X-Amz-Meta-Cache-Action-Compression-Method"),
		}
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newTestS3(t *testing.T, fake *fakeS3) *S3 {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	client := s3.New(s3.Options{
		Region:           "us-east-1",
		BaseEndpoint:     aws.String(srv.URL),
		UsePathStyle:     true,
		Credentials:      credentials.NewStaticCredentialsProvider("AKID", "SECRET", ""),
		RetryMaxAttempts: 1,
	})
	return NewS3FromClient(client, "cache-bucket", testLogger())
}

func TestS3ExistsAndUpload(t *testing.T) {
	ctx := context.Background()
	fake := &fakeS3{objects: make(map[string][]byte)}
	b := newTestS3(t, fake)

	ok, err := b.Exists(ctx, "acme/widget/abc123.tar")
	require.NoError(t, err)
	assert.False(t, ok)

	body := "archive bytes"
	err = b.Upload(ctx, "acme/widget/abc123.tar", strings.NewReader(body), int64(len(body)), UploadOptions{
		Metadata: map[string]string{"Cache-Action-Compression-Method": "gzip"},
	})
	require.NoError(t, err)

	assert.Equal(t, body, string(fake.objects["/cache-bucket/acme/widget/abc123.tar"]))
	assert.Equal(t, "gzip", fake.metadata["compression"])
	assert.Equal(t, []string{""}, fake.ifNone)

	ok, err = b.Exists(ctx, "acme/widget/abc123.tar")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestS3ExistsProbeError(t *testing.T) {
	fake := &fakeS3{objects: make(map[string][]byte), headCode: http.StatusForbidden}
	b := newTestS3(t, fake)

	ok, err := b.Exists(context.Background(), "acme/widget/abc123.tar")
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestS3UploadIfAbsent(t *testing.T) {
	ctx := context.Background()
	fake := &fakeS3{objects: map[string][]byte{"/cache-bucket/k.tar": []byte("winner")}}
	b := newTestS3(t, fake)

	err := b.Upload(ctx, "k.tar", strings.NewReader("loser"), 5, UploadOptions{IfAbsent: true})
	assert.ErrorIs(t, err, ErrAlreadyExists)
	assert.Equal(t, []string{"*"}, fake.ifNone)
	assert.Equal(t, "winner", string(fake.objects["/cache-bucket/k.tar"]))
}
