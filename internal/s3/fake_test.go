package s3_test

import (
	"bufio"
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
)

const fakeBucket = "uploads"

type initiateResult struct {
	XMLName  xml.Name `xml:"InitiateMultipartUploadResult"`
	Bucket   string   `xml:"Bucket"`
	Key      string   `xml:"Key"`
	UploadID string   `xml:"UploadId"`
}

type listPart struct {
	PartNumber   int    `xml:"PartNumber"`
	LastModified string `xml:"LastModified"`
	ETag         string `xml:"ETag"`
	Size         int64  `xml:"Size"`
}

type listPartsResult struct {
	XMLName              xml.Name   `xml:"ListPartsResult"`
	Bucket               string     `xml:"Bucket"`
	Key                  string     `xml:"Key"`
	UploadID             string     `xml:"UploadId"`
	PartNumberMarker     int        `xml:"PartNumberMarker"`
	NextPartNumberMarker int        `xml:"NextPartNumberMarker"`
	MaxParts             int        `xml:"MaxParts"`
	IsTruncated          bool       `xml:"IsTruncated"`
	Parts                []listPart `xml:"Part"`
}

type completeRequest struct {
	XMLName xml.Name `xml:"CompleteMultipartUpload"`
	Parts   []struct {
		PartNumber int    `xml:"PartNumber"`
		ETag       string `xml:"ETag"`
	} `xml:"Part"`
}

type completeResult struct {
	XMLName  xml.Name `xml:"CompleteMultipartUploadResult"`
	Location string   `xml:"Location"`
	Bucket   string   `xml:"Bucket"`
	Key      string   `xml:"Key"`
	ETag     string   `xml:"ETag"`
}

type s3Error struct {
	XMLName  xml.Name `xml:"Error"`
	Code     string   `xml:"Code"`
	Message  string   `xml:"Message"`
	Resource string   `xml:"Resource"`
}

type fakeUpload struct {
	key   string
	parts map[int][]byte
}

type fakeObject struct {
	data []byte
	etag string
}

// fakeS3 serves the multipart subset of the S3 API for a single bucket.
type fakeS3 struct {
	mu       sync.Mutex
	pageSize int
	nextID   int
	uploads  map[string]*fakeUpload
	objects  map[string]fakeObject
	aborts   int
}

func newFakeS3() *fakeS3 {
	return &fakeS3{
		pageSize: 1000,
		uploads:  make(map[string]*fakeUpload),
		objects:  make(map[string]fakeObject),
	}
}

func (f *fakeS3) Object(key string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[key]
	return obj.data, ok
}

func (f *fakeS3) Aborts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.aborts
}

func quoted(data []byte) string {
	sum := md5.Sum(data)
	return `"` + hex.EncodeToString(sum[:]) + `"`
}

func writeXML(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(xml.Header))
	_ = xml.NewEncoder(w).Encode(v)
}

func writeS3Error(w http.ResponseWriter, r *http.Request, code string, status int) {
	writeXML(w, status, s3Error{Code: code, Message: code, Resource: r.URL.Path})
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	prefix := "/" + fakeBucket + "/"
	if !strings.HasPrefix(r.URL.Path, prefix) {
		writeS3Error(w, r, "NoSuchBucket", http.StatusNotFound)
		return
	}
	key := strings.TrimPrefix(r.URL.Path, prefix)
	q := r.URL.Query()

	f.mu.Lock()
	defer f.mu.Unlock()

	_, initiate := q["uploads"]
	uploadID := q.Get("uploadId")

	switch {
	case r.Method == http.MethodPost && initiate:
		f.nextID++
		id := fmt.Sprintf("mpu-%d", f.nextID)
		f.uploads[id] = &fakeUpload{key: key, parts: make(map[int][]byte)}
		writeXML(w, http.StatusOK, initiateResult{Bucket: fakeBucket, Key: key, UploadID: id})

	case r.Method == http.MethodPut && uploadID != "":
		up, ok := f.uploads[uploadID]
		if !ok {
			writeS3Error(w, r, "NoSuchUpload", http.StatusNotFound)
			return
		}
		n, err := strconv.Atoi(q.Get("partNumber"))
		if err != nil || n < 1 {
			writeS3Error(w, r, "InvalidArgument", http.StatusBadRequest)
			return
		}
		data, err := readPayload(r)
		if err != nil {
			writeS3Error(w, r, "IncompleteBody", http.StatusBadRequest)
			return
		}
		up.parts[n] = data
		w.Header().Set("ETag", quoted(data))
		w.WriteHeader(http.StatusOK)

	case r.Method == http.MethodGet && uploadID != "":
		up, ok := f.uploads[uploadID]
		if !ok {
			writeS3Error(w, r, "NoSuchUpload", http.StatusNotFound)
			return
		}
		f.listParts(w, r, up)

	case r.Method == http.MethodPost && uploadID != "":
		up, ok := f.uploads[uploadID]
		if !ok {
			writeS3Error(w, r, "NoSuchUpload", http.StatusNotFound)
			return
		}
		var req completeRequest
		if err := xml.NewDecoder(r.Body).Decode(&req); err != nil {
			writeS3Error(w, r, "MalformedXML", http.StatusBadRequest)
			return
		}
		var buf bytes.Buffer
		for _, p := range req.Parts {
			data, ok := up.parts[p.PartNumber]
			if !ok || strings.Trim(p.ETag, `"`) != strings.Trim(quoted(data), `"`) {
				writeS3Error(w, r, "InvalidPart", http.StatusBadRequest)
				return
			}
			buf.Write(data)
		}
		etag := fmt.Sprintf(`"%s-%d"`, strings.Trim(quoted(buf.Bytes()), `"`), len(req.Parts))
		f.objects[up.key] = fakeObject{data: buf.Bytes(), etag: etag}
		delete(f.uploads, uploadID)
		writeXML(w, http.StatusOK, completeResult{Location: r.URL.Path, Bucket: fakeBucket, Key: up.key, ETag: etag})

	case r.Method == http.MethodDelete && uploadID != "":
		if _, ok := f.uploads[uploadID]; !ok {
			writeS3Error(w, r, "NoSuchUpload", http.StatusNotFound)
			return
		}
		delete(f.uploads, uploadID)
		f.aborts++
		w.WriteHeader(http.StatusNoContent)

	case r.Method == http.MethodHead:
		obj, ok := f.objects[key]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("ETag", obj.etag)
		w.Header().Set("Content-Length", strconv.Itoa(len(obj.data)))
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Last-Modified", time.Now().UTC().Format(http.TimeFormat))
		w.WriteHeader(http.StatusOK)

	default:
		writeS3Error(w, r, "NotImplemented", http.StatusNotImplemented)
	}
}

func (f *fakeS3) listParts(w http.ResponseWriter, r *http.Request, up *fakeUpload) {
	q := r.URL.Query()
	marker, _ := strconv.Atoi(q.Get("part-number-marker"))
	maxParts := f.pageSize
	if v, err := strconv.Atoi(q.Get("max-parts")); err == nil && v > 0 && v < maxParts {
		maxParts = v
	}

	numbers := make([]int, 0, len(up.parts))
	for n := range up.parts {
		if n > marker {
			numbers = append(numbers, n)
		}
	}
	slices.Sort(numbers)

	result := listPartsResult{
		Bucket:           fakeBucket,
		Key:              up.key,
		UploadID:         q.Get("uploadId"),
		PartNumberMarker: marker,
		MaxParts:         maxParts,
	}
	for i, n := range numbers {
		if i == maxParts {
			result.IsTruncated = true
			break
		}
		data := up.parts[n]
		result.Parts = append(result.Parts, listPart{
			PartNumber:   n,
			LastModified: time.Now().UTC().Format(time.RFC3339),
			ETag:         quoted(data),
			Size:         int64(len(data)),
		})
		result.NextPartNumberMarker = n
	}

	writeXML(w, http.StatusOK, result)
}

// readPayload returns the request body, decoding aws-chunked streaming
// payloads.
func readPayload(r *http.Request) ([]byte, error) {
	if !strings.HasPrefix(r.Header.Get("X-Amz-Content-Sha256"), "STREAMING-") {
		return io.ReadAll(r.Body)
	}

	br := bufio.NewReader(r.Body)
	var out bytes.Buffer
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("read chunk header: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}
		if idx := strings.IndexByte(line, ';'); idx != -1 {
			line = line[:idx]
		}

		size, err := strconv.ParseInt(strings.TrimSpace(line), 16, 64)
		if err != nil {
			return nil, fmt.Errorf("parse chunk size %q: %w", line, err)
		}
		if size == 0 {
			return out.Bytes(), nil
		}

		if _, err := io.CopyN(&out, br, size); err != nil {
			return nil, fmt.Errorf("read chunk body: %w", err)
		}
		crlf := make([]byte, 2)
		if _, err := io.ReadFull(br, crlf); err != nil || string(crlf) != "\r\n" {
			return nil, errors.New("missing CRLF after chunk")
		}
	}
}
