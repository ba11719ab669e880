package remote

import (
	"bufio"
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeObject struct {
	data     []byte
	modified time.Time
}

// fakeS3 answers the handful of path-style S3 calls MinioStore makes.
// Signatures are not checked.
type fakeS3 struct {
	mu      sync.Mutex
	buckets map[string]map[string]fakeObject

	// truncate stores only the first half of every uploaded body
	truncate bool
	// deny answers every request with AccessDenied
	deny bool
	puts int
}

func newFakeS3() *fakeS3 {
	return &fakeS3{buckets: map[string]map[string]fakeObject{}}
}

func (f *fakeS3) makeBucket(bucket string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.buckets[bucket] == nil {
		f.buckets[bucket] = map[string]fakeObject{}
	}
}

func (f *fakeS3) put(bucket, key string, data []byte) {
	f.makeBucket(bucket)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buckets[bucket][key] = fakeObject{data: data, modified: time.Now().UTC().Truncate(time.Second)}
}

func (f *fakeS3) object(bucket, key string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.buckets[bucket][key]
	return obj.data, ok
}

func (f *fakeS3) setTruncate(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.truncate = v
}

func (f *fakeS3) setDeny(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deny = v
}

func (f *fakeS3) putCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.puts
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	bucket, key, _ := strings.Cut(strings.TrimPrefix(r.URL.Path, "/"), "/")

	f.mu.Lock()
	deny := f.deny
	f.mu.Unlock()
	if deny {
		writeS3Error(w, r, http.StatusForbidden, "AccessDenied", bucket, key)
		return
	}

	switch {
	case key == "" && r.Method == http.MethodHead:
		f.headBucket(w, r, bucket)
	case key == "" && r.Method == http.MethodPut:
		f.makeBucket(bucket)
		w.WriteHeader(http.StatusOK)
	case key == "" && r.Method == http.MethodGet && r.URL.Query().Get("list-type") == "2":
		f.list(w, r, bucket)
	case key != "" && r.Method == http.MethodPut:
		f.putObject(w, r, bucket, key)
	case key != "" && (r.Method == http.MethodHead || r.Method == http.MethodGet):
		f.getObject(w, r, bucket, key)
	default:
		writeS3Error(w, r, http.StatusNotImplemented, "NotImplemented", bucket, key)
	}
}

func (f *fakeS3) headBucket(w http.ResponseWriter, r *http.Request, bucket string) {
	f.mu.Lock()
	_, ok := f.buckets[bucket]
	f.mu.Unlock()
	if !ok {
		writeS3Error(w, r, http.StatusNotFound, "NoSuchBucket", bucket, "")
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (f *fakeS3) putObject(w http.ResponseWriter, r *http.Request, bucket, key string) {
	data, err := readPayload(r)
	if err != nil {
		writeS3Error(w, r, http.StatusBadRequest, "IncompleteBody", bucket, key)
		return
	}

	f.mu.Lock()
	if _, ok := f.buckets[bucket]; !ok {
		f.mu.Unlock()
		writeS3Error(w, r, http.StatusNotFound, "NoSuchBucket", bucket, key)
		return
	}
	if f.truncate {
		data = data[:len(data)/2]
	}
	f.puts++
	f.buckets[bucket][key] = fakeObject{data: data, modified: time.Now().UTC().Truncate(time.Second)}
	f.mu.Unlock()

	w.Header().Set("ETag", etag(data))
	w.WriteHeader(http.StatusOK)
}

func (f *fakeS3) getObject(w http.ResponseWriter, r *http.Request, bucket, key string) {
	f.mu.Lock()
	obj, ok := f.buckets[bucket][key]
	f.mu.Unlock()
	if !ok {
		writeS3Error(w, r, http.StatusNotFound, "NoSuchKey", bucket, key)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(obj.data)))
	w.Header().Set("ETag", etag(obj.data))
	w.Header().Set("Last-Modified", obj.modified.Format(http.TimeFormat))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodGet {
		_, _ = w.Write(obj.data)
	}
}

type listContents struct {
	Key          string
	LastModified time.Time
	ETag         string
	Size         int64
}

type listResult struct {
	XMLName     xml.Name `xml:"http://s3.amazonaws.com/doc/2006-03-01/ ListBucketResult"`
	Name        string
	Prefix      string
	KeyCount    int
	MaxKeys     int
	IsTruncated bool
	Contents    []listContents
}

func (f *fakeS3) list(w http.ResponseWriter, r *http.Request, bucket string) {
	prefix := r.URL.Query().Get("prefix")

	f.mu.Lock()
	objects, ok := f.buckets[bucket]
	res := listResult{Name: bucket, Prefix: prefix, MaxKeys: 1000}
	for key, obj := range objects {
		if strings.HasPrefix(key, prefix) {
			res.Contents = append(res.Contents, listContents{Key: key, LastModified: obj.modified, ETag: etag(obj.data), Size: int64(len(obj.data))})
		}
	}
	f.mu.Unlock()
	if !ok {
		writeS3Error(w, r, http.StatusNotFound, "NoSuchBucket", bucket, "")
		return
	}

	sort.Slice(res.Contents, func(i, j int) bool { return res.Contents[i].Key < res.Contents[j].Key })
	res.KeyCount = len(res.Contents)
	w.Header().Set("Content-Type", "application/xml")
	_ = xml.NewEncoder(w).Encode(res)
}

// readPayload decodes aws-chunked bodies, which minio-go sends for
// signed uploads over plain HTTP.
func readPayload(r *http.Request) ([]byte, error) {
	if !strings.HasPrefix(r.Header.Get("X-Amz-Content-Sha256"), "STREAMING-") {
		return io.ReadAll(r.Body)
	}

	br := bufio.NewReader(r.Body)
	var out bytes.Buffer
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return nil, err
		}
		sizeHex, _, _ := strings.Cut(strings.TrimSpace(line), ";")
		n, err := strconv.ParseInt(sizeHex, 16, 64)
		if err != nil {
			return nil, fmt.Errorf("bad chunk header %q: %v", line, err)
		}
		if n == 0 {
			_, _ = io.Copy(io.Discard, br)
			return out.Bytes(), nil
		}
		if _, err := io.CopyN(&out, br, n); err != nil {
			return nil, err
		}
		if _, err := br.Discard(2); err != nil {
			return nil, err
		}
	}
}

func writeS3Error(w http.ResponseWriter, r *http.Request, status int, code, bucket, key string) {
	w.Header().Set("Content-Type", "application/xml")
	w.Header().Set("x-minio-error-code", code)
	w.WriteHeader(status)
	if r.Method == http.MethodHead {
		return
	}
	_, _ = fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?>`+
		`<Error><Code>%s</Code><Message>%s</Message><BucketName>%s</BucketName><Key>%s</Key><Resource>%s</Resource></Error>`,
		code, code, bucket, key, r.URL.Path)
}

func etag(data []byte) string {
	sum := md5.Sum(data)
	return `"` + hex.EncodeToString(sum[:]) + `"`
}

func newFakeStore(t *testing.T, fake *fakeS3, folder string) *MinioStore {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	store, err := NewMinioStore(MinioConfig{
		Endpoint:  strings.TrimPrefix(srv.URL, "http://"),
		Bucket:    "journal",
		Folder:    folder,
		AccessKey: "test-access",
		SecretKey: "test-secret",
	})
	require.NoError(t, err)
	return store
}
