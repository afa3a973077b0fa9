package archive

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeZip(t *testing.T, files map[string]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nppes_data.zip")
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = io.WriteString(w, files[name])
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
	return path
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestExtract(t *testing.T) {
	zipPath := writeZip(t, map[string]string{
		"npidata_pfile_20050523-20261012.csv":            "NPI\n1\n",
		"npidata_pfile_20050523-20261012_fileheader.csv": "NPI\n",
		"sub/othername_pfile_20050523-20261012.csv":      "NPI\n1\n",
	})
	dest := filepath.Join(t.TempDir(), "unzipped")

	paths, err := Extract(context.Background(), zipPath, dest)
	require.NoError(t, err)
	assert.Len(t, paths, 3)

	raw, err := os.ReadFile(filepath.Join(dest, "sub", "othername_pfile_20050523-20261012.csv"))
	require.NoError(t, err)
	assert.Equal(t, "NPI\n1\n", string(raw))
}

func TestExtract_RejectsTraversal(t *testing.T) {
	zipPath := writeZip(t, map[string]string{"../escape.csv": "x"})
	dest := filepath.Join(t.TempDir(), "unzipped")

	_, err := Extract(context.Background(), zipPath, dest)
	assert.ErrorIs(t, err, ErrUnsafePath)

	_, statErr := os.Stat(filepath.Join(filepath.Dir(dest), "escape.csv"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestExtract_NotAZip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.zip")
	writeFile(t, path, "not a zip")

	_, err := Extract(context.Background(), path, t.TempDir())
	assert.Error(t, err)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		role Role
		ok   bool
	}{
		{"npidata_pfile_20050523-20261012.csv", RolePrimary, true},
		{"NPIDATA_PFILE_X.CSV", RolePrimary, true},
		{"othername_pfile_20050523-20261012.csv", RoleAlternate, true},
		{"npidata_pfile_20050523-20261012_fileheader.csv", "", false},
		{"othername_pfile_X_FileHeader.csv", "", false},
		{"pl_pfile_20050523-20261012.csv", "", false},
		{"npidata_pfile.pdf", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			role, ok := Classify(tt.name)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.role, role)
		})
	}
}

func newLayout(t *testing.T) (Layout, string) {
	root := t.TempDir()
	return Layout{
		InputDir:   filepath.Join(root, "input"),
		ArchiveDir: filepath.Join(root, "archive"),
	}, root
}

func TestOrganizeAndSelect(t *testing.T) {
	layout, root := newLayout(t)
	scratch := filepath.Join(root, "unzipped")
	writeFile(t, filepath.Join(scratch, "npidata_pfile_B.csv"), "b")
	writeFile(t, filepath.Join(scratch, "nested", "npidata_pfile_A.csv"), "a")
	writeFile(t, filepath.Join(scratch, "npidata_pfile_A_fileheader.csv"), "h")
	writeFile(t, filepath.Join(scratch, "othername_pfile_A.csv"), "o")
	writeFile(t, filepath.Join(scratch, "Readme.pdf"), "r")

	moved, err := Organize(context.Background(), scratch, layout)
	require.NoError(t, err)
	assert.Len(t, moved, 3)

	_, err = os.Stat(filepath.Join(scratch, "npidata_pfile_A_fileheader.csv"))
	assert.NoError(t, err, "header files stay in scratch")

	inputs, err := Select(moved)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(layout.InputPath(RolePrimary), "npidata_pfile_B.csv"), inputs[RolePrimary], "newest name wins")
	assert.Equal(t, filepath.Join(layout.InputPath(RoleAlternate), "othername_pfile_A.csv"), inputs[RoleAlternate])
}

func TestSelect_IgnoresLeftoverInputs(t *testing.T) {
	layout, root := newLayout(t)
	stale := filepath.Join(layout.InputPath(RolePrimary), "npidata_pfile_20050523-20240201.csv")
	writeFile(t, stale, "old")
	writeFile(t, filepath.Join(layout.InputPath(RoleAlternate), "othername_pfile_20050523-20240201.csv"), "old")

	scratch := filepath.Join(root, "unzipped")
	writeFile(t, filepath.Join(scratch, "npidata_pfile_20050523-20240303.csv"), "new")
	writeFile(t, filepath.Join(scratch, "othername_pfile_20050523-20240303.csv"), "new")

	moved, err := Organize(context.Background(), scratch, layout)
	require.NoError(t, err)
	require.Len(t, moved, 2)

	inputs, err := Select(moved)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(layout.InputPath(RolePrimary), "npidata_pfile_20050523-20240303.csv"), inputs[RolePrimary])
	assert.Equal(t, filepath.Join(layout.InputPath(RoleAlternate), "othername_pfile_20050523-20240303.csv"), inputs[RoleAlternate])
	assert.FileExists(t, stale, "leftovers stay in place")
}

func TestSelect_MissingRole(t *testing.T) {
	layout, _ := newLayout(t)
	moved := []Moved{{
		Role: RolePrimary,
		From: "npidata_pfile_A.csv",
		To:   filepath.Join(layout.InputPath(RolePrimary), "npidata_pfile_A.csv"),
	}}

	_, err := Select(moved)
	require.ErrorIs(t, err, ErrMissingInput)
	assert.Contains(t, err.Error(), string(RoleAlternate))

	_, err = Select(nil)
	require.ErrorIs(t, err, ErrMissingInput)
}

func TestArchive(t *testing.T) {
	layout, _ := newLayout(t)
	writeFile(t, filepath.Join(layout.InputPath(RolePrimary), "npidata_pfile_A.csv"), "a")
	writeFile(t, filepath.Join(layout.InputPath(RoleAlternate), "othername_pfile_A.csv"), "o")
	date := time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC)

	moved, err := Archive(context.Background(), layout, date)
	require.NoError(t, err)
	require.Len(t, moved, 2)

	raw, err := os.ReadFile(filepath.Join(layout.ArchiveDir, "npi_pfile", "2026-10-19", "npidata_pfile_A.csv"))
	require.NoError(t, err)
	assert.Equal(t, "a", string(raw))
	_, err = os.Stat(filepath.Join(layout.ArchiveDir, "othername_pfile", "2026-10-19", "othername_pfile_A.csv"))
	assert.NoError(t, err)

	entries, err := os.ReadDir(layout.InputPath(RolePrimary))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCleanup(t *testing.T) {
	root := t.TempDir()
	zipPath := filepath.Join(root, "nppes_data.zip")
	scratch := filepath.Join(root, "unzipped")
	writeFile(t, zipPath, "z")
	writeFile(t, filepath.Join(scratch, "a", "b.csv"), "b")

	require.NoError(t, Cleanup(zipPath, scratch, filepath.Join(root, "never-existed"), ""))

	_, err := os.Stat(zipPath)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(scratch)
	assert.True(t, os.IsNotExist(err))
}

// fakeS3 records single PUTs and the multipart upload calls.
type fakeS3 struct {
	mu        sync.Mutex
	puts      map[string][]byte
	initiated []string
	parts     []string
	completed []string
}

func (f *fakeS3) RoundTrip(req *http.Request) (*http.Response, error) {
	body, _ := io.ReadAll(req.Body)
	key := strings.TrimPrefix(req.URL.Path, "/")
	q := req.URL.Query()

	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case req.Method == http.MethodPost && q.Has("uploads"):
		f.initiated = append(f.initiated, key)
		return xmlResponse(`<InitiateMultipartUploadResult><Bucket>archive-bucket</Bucket><Key>` + key + `</Key><UploadId>upload-1</UploadId></InitiateMultipartUploadResult>`), nil
	case req.Method == http.MethodPut && q.Has("partNumber"):
		f.parts = append(f.parts, q.Get("partNumber"))
		resp := xmlResponse("")
		resp.Header.Set("Etag", `"part-`+q.Get("partNumber")+`"`)
		return resp, nil
	case req.Method == http.MethodPost && q.Get("uploadId") != "":
		f.completed = append(f.completed, key)
		return xmlResponse(`<CompleteMultipartUploadResult><Bucket>archive-bucket</Bucket><Key>` + key + `</Key><ETag>"complete"</ETag></CompleteMultipartUploadResult>`), nil
	case req.Method == http.MethodPut:
		f.puts[key] = body
		resp := xmlResponse("")
		resp.Header.Set("Etag", `"etag"`)
		return resp, nil
	}
	return &http.Response{StatusCode: http.StatusNotImplemented, Body: io.NopCloser(bytes.NewReader(nil)), Header: http.Header{}}, nil
}

func xmlResponse(body string) *http.Response {
	return &http.Response{
		StatusCode:    http.StatusOK,
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
		Header:        http.Header{"Content-Type": {"application/xml"}},
	}
}

func newFakeMirror(t *testing.T, root string, partSize int64) (*S3Mirror, *fakeS3) {
	t.Helper()
	rt := &fakeS3{puts: map[string][]byte{}}
	mirror, err := NewS3Mirror(context.Background(), S3Config{
		Bucket:          "archive-bucket",
		Prefix:          "nppes",
		Region:          "us-east-1",
		Endpoint:        "https://mock.s3.local",
		UsePathStyle:    true,
		AccessKeyID:     "AKIA",
		SecretAccessKey: "SECRET",
		HTTPClient:      &http.Client{Transport: rt},
		PartSize:        partSize,
	}, root)
	require.NoError(t, err)
	return mirror, rt
}

func TestS3Mirror(t *testing.T) {
	layout, _ := newLayout(t)
	writeFile(t, filepath.Join(layout.InputPath(RolePrimary), "npidata_pfile_A.csv"), "NPI,City\n1,Columbus\n")
	moved, err := Archive(context.Background(), layout, time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	mirror, rt := newFakeMirror(t, layout.ArchiveDir, 0)

	keys, err := mirror.Mirror(context.Background(), moved)
	require.NoError(t, err)
	assert.Equal(t, []string{"nppes/npi_pfile/2026-10-19/npidata_pfile_A.csv"}, keys)

	body, ok := rt.puts["archive-bucket/nppes/npi_pfile/2026-10-19/npidata_pfile_A.csv"]
	require.True(t, ok, "puts: %v", rt.puts)
	assert.Contains(t, string(body), "1,Columbus")
	assert.Empty(t, rt.initiated, "small files go up in one PUT")
}

func TestS3Mirror_MultipartUpload(t *testing.T) {
	layout, _ := newLayout(t)
	big := filepath.Join(layout.InputPath(RolePrimary), "npidata_pfile_20050523-20261012.csv")
	require.NoError(t, os.MkdirAll(filepath.Dir(big), 0o755))
	// Three parts at the 5 MiB minimum part size.
	require.NoError(t, os.WriteFile(big, bytes.Repeat([]byte("1,Columbus\n"), 11*1024*1024/11+1), 0o644))
	moved, err := Archive(context.Background(), layout, time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	mirror, rt := newFakeMirror(t, layout.ArchiveDir, 1024)

	keys, err := mirror.Mirror(context.Background(), moved)
	require.NoError(t, err)
	key := "nppes/npi_pfile/2026-10-19/npidata_pfile_20050523-20261012.csv"
	assert.Equal(t, []string{key}, keys)

	assert.Equal(t, []string{"archive-bucket/" + key}, rt.initiated)
	sort.Strings(rt.parts)
	assert.Equal(t, []string{"1", "2", "3"}, rt.parts)
	assert.Equal(t, []string{"archive-bucket/" + key}, rt.completed)
	assert.Empty(t, rt.puts, "no single PUT for a multipart file")
}

func TestNewS3Mirror_RequiresBucket(t *testing.T) {
	_, err := NewS3Mirror(context.Background(), S3Config{}, t.TempDir())
	assert.Error(t, err)
}
