package services

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"packager/config"
	"packager/models"
)

type fakeS3Object struct {
	body         []byte
	contentType  string
	cacheControl string
	acl          string
	modified     time.Time
}

// fakeS3 speaks just enough of the path-style S3 REST API for S3Service.
type fakeS3 struct {
	mu      sync.Mutex
	bucket  string
	objects map[string]fakeS3Object
}

type listBucketResult struct {
	XMLName     xml.Name `xml:"ListBucketResult"`
	Name        string   `xml:"Name"`
	Prefix      string   `xml:"Prefix"`
	KeyCount    int      `xml:"KeyCount"`
	IsTruncated bool     `xml:"IsTruncated"`
	Contents    []struct {
		Key  string `xml:"Key"`
		Size int64  `xml:"Size"`
	} `xml:"Contents"`
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	path := strings.TrimPrefix(r.URL.Path, "/"+f.bucket)
	key := strings.TrimPrefix(path, "/")

	switch {
	case r.Method == http.MethodGet && key == "" && r.URL.Query().Get("list-type") == "2":
		prefix := r.URL.Query().Get("prefix")
		res := listBucketResult{Name: f.bucket, Prefix: prefix}
		keys := make([]string, 0, len(f.objects))
		for k := range f.objects {
			if strings.HasPrefix(k, prefix) {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		for _, k := range keys {
			res.Contents = append(res.Contents, struct {
				Key  string `xml:"Key"`
				Size int64  `xml:"Size"`
			}{Key: k, Size: int64(len(f.objects[k].body))})
		}
		res.KeyCount = len(keys)
		w.Header().Set("Content-Type", "application/xml")
		_ = xml.NewEncoder(w).Encode(res)
	case r.Method == http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		f.objects[key] = fakeS3Object{
			body:         body,
			contentType:  r.Header.Get("Content-Type"),
			cacheControl: r.Header.Get("Cache-Control"),
			acl:          r.Header.Get("X-Amz-Acl"),
			modified:     time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		}
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodHead:
		obj, ok := f.objects[key]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Last-Modified", obj.modified.Format(http.TimeFormat))
		w.Header().Set("Content-Length", fmt.Sprint(len(obj.body)))
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodDelete:
		delete(f.objects, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (f *fakeS3) get(key string) (fakeS3Object, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[key]
	return obj, ok
}

func (f *fakeS3) put(key string, body []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = fakeS3Object{body: body}
}

func newTestS3(t *testing.T) (*S3Service, *fakeS3) {
	t.Helper()
	fake := &fakeS3{bucket: "media", objects: make(map[string]fakeS3Object)}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	svc, err := NewS3Service(&config.Config{
		S3Bucket:       "media",
		S3Region:       "us-east-1",
		AWSS3AccessKey: "key",
		AWSS3SecretKey: "secret",
		S3Endpoint:     srv.URL,
		S3UsePathStyle: true,
	})
	require.NoError(t, err)
	return svc, fake
}

func TestS3Service_UploadExistsMetadata(t *testing.T) {
	svc, fake := newTestS3(t)
	ctx := context.Background()

	local := filepath.Join(t.TempDir(), "master.m3u8")
	require.NoError(t, os.WriteFile(local, []byte("#EXTM3U"), 0o644))

	err := svc.Upload(ctx, local, "videos/v1/master.m3u8", UploadOptions{
		ContentType:  "application/vnd.apple.mpegurl",
		CacheControl: "public, max-age=31536000",
		Public:       true,
	})
	require.NoError(t, err)

	obj, ok := fake.get("videos/v1/master.m3u8")
	require.True(t, ok)
	assert.Equal(t, "#EXTM3U", string(obj.body))
	assert.Equal(t, "application/vnd.apple.mpegurl", obj.contentType)
	assert.Equal(t, "public, max-age=31536000", obj.cacheControl)
	assert.Equal(t, "public-read", obj.acl)

	exists, err := svc.Exists(ctx, "videos/v1/master.m3u8")
	require.NoError(t, err)
	assert.True(t, exists)

	meta, err := svc.Metadata(ctx, "videos/v1/master.m3u8")
	require.NoError(t, err)
	assert.Equal(t, int64(7), meta.Size)
	assert.Equal(t, time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC), meta.UpdatedAt)
}

func TestS3Service_MissingObject(t *testing.T) {
	svc, _ := newTestS3(t)
	ctx := context.Background()

	ok, err := svc.Exists(ctx, "videos/nope/master.m3u8")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = svc.Metadata(ctx, "videos/nope/master.m3u8")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestS3Service_ListAndDelete(t *testing.T) {
	svc, fake := newTestS3(t)
	ctx := context.Background()
	for _, k := range []string{"videos/a/master.m3u8", "videos/a/480p/index.m3u8", "videos/b/master.m3u8", "other/x"} {
		fake.put(k, []byte("x"))
	}

	keys, err := svc.List(ctx, "videos/a/")
	require.NoError(t, err)
	assert.Equal(t, []string{"videos/a/480p/index.m3u8", "videos/a/master.m3u8"}, keys)

	require.NoError(t, svc.Delete(ctx, "videos/a/master.m3u8"))
	_, still := fake.get("videos/a/master.m3u8")
	assert.False(t, still)
}

func TestS3Service_PublicURL(t *testing.T) {
	cases := []struct {
		name string
		cfg  config.Config
		want string
	}{
		{
			name: "cdn base",
			cfg:  config.Config{S3Bucket: "media", S3Region: "us-east-1", S3PublicBaseURL: "https://cdn.example.com"},
			want: "https://cdn.example.com/videos/v%201/master.m3u8",
		},
		{
			name: "path style endpoint",
			cfg:  config.Config{S3Bucket: "media", S3Region: "us-east-1", S3Endpoint: "http://minio:9000/", S3UsePathStyle: true},
			want: "http://minio:9000/media/videos/v%201/master.m3u8",
		},
		{
			name: "virtual host endpoint",
			cfg:  config.Config{S3Bucket: "media", S3Region: "auto", S3Endpoint: "https://r2.example.com"},
			want: "https://media.r2.example.com/videos/v%201/master.m3u8",
		},
		{
			name: "aws default",
			cfg:  config.Config{S3Bucket: "media", S3Region: "eu-west-1"},
			want: "https://media.s3.eu-west-1.amazonaws.com/videos/v%201/master.m3u8",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc, err := NewS3Service(&tc.cfg)
			require.NoError(t, err)
			assert.Equal(t, tc.want, svc.PublicURL("videos/v 1/master.m3u8"))
		})
	}
}
