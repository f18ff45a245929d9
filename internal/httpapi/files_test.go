package httpapi

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileWriteThenRead(t *testing.T) {
	backend := newFakeBackend(t)
	fx := newFixture(t, backend.URL)

	res := fx.postJSON(t, "/api/files/write", `{"path":"notes/todo.txt","content":"remember the milk"}`)
	require.Equal(t, http.StatusOK, res.StatusCode)

	var wr fileWriteResponse
	decodeBody(t, res, &wr)
	assert.Equal(t, "notes/todo.txt", wr.Path)
	assert.Equal(t, len("remember the milk"), wr.BytesWritten)

	res = fx.postJSON(t, "/api/files/read", `{"path":"notes/todo.txt"}`)
	require.Equal(t, http.StatusOK, res.StatusCode)

	var rr fileReadResponse
	decodeBody(t, res, &rr)
	assert.Equal(t, "remember the milk", rr.Content)
	assert.Equal(t, int64(len("remember the milk")), rr.Size)
}

func TestFileOverwriteLeavesBackup(t *testing.T) {
	backend := newFakeBackend(t)
	fx := newFixture(t, backend.URL)

	res := fx.postJSON(t, "/api/files/write", `{"path":"draft.txt","content":"version one"}`)
	require.Equal(t, http.StatusOK, res.StatusCode)
	res.Body.Close()

	res = fx.postJSON(t, "/api/files/write", `{"path":"draft.txt","content":"version two"}`)
	require.Equal(t, http.StatusOK, res.StatusCode)
	res.Body.Close()

	res = fx.postJSON(t, "/api/files/read", `{"path":"draft.txt"}`)
	var rr fileReadResponse
	decodeBody(t, res, &rr)
	assert.Equal(t, "version two", rr.Content)

	res = fx.postJSON(t, "/api/files/read", `{"path":"draft.txt.bak"}`)
	require.Equal(t, http.StatusOK, res.StatusCode)
	decodeBody(t, res, &rr)
	assert.Equal(t, "version one", rr.Content, "overwrite must keep the previous content in .bak")
}

func TestFileReadMissing(t *testing.T) {
	backend := newFakeBackend(t)
	fx := newFixture(t, backend.URL)

	res := fx.postJSON(t, "/api/files/read", `{"path":"nope.txt"}`)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	res.Body.Close()
}

func TestFileReadDirectoryRejected(t *testing.T) {
	backend := newFakeBackend(t)
	fx := newFixture(t, backend.URL)

	res := fx.postJSON(t, "/api/files/write", `{"path":"sub/x.txt","content":"x"}`)
	require.Equal(t, http.StatusOK, res.StatusCode)
	res.Body.Close()

	res = fx.postJSON(t, "/api/files/read", `{"path":"sub"}`)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	var body errorBody
	decodeBody(t, res, &body)
	assert.Contains(t, body.Error, "not a file")
}

func TestFilePathEscapesRejected(t *testing.T) {
	backend := newFakeBackend(t)
	fx := newFixture(t, backend.URL)

	for _, path := range []string{
		"../etc/passwd",
		"/etc/passwd",
		"..",
		"a/../../b.txt",
		"",
		"   ",
	} {
		t.Run(fmt.Sprintf("%q", path), func(t *testing.T) {
			res := fx.postJSON(t, "/api/files/read", fmt.Sprintf(`{"path":%q}`, path))
			assert.Equal(t, http.StatusBadRequest, res.StatusCode)

			var body errorBody
			decodeBody(t, res, &body)
			assert.NotEmpty(t, body.Error)
		})
	}
}

func TestFileSymlinkEscapeRejected(t *testing.T) {
	backend := newFakeBackend(t)
	fx := newFixture(t, backend.URL)

	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret"), []byte("keys"), 0o600))
	require.NoError(t, os.Symlink(outside, filepath.Join(fx.cfg.Storage.WorkspaceDir, "link")))

	res := fx.postJSON(t, "/api/files/read", `{"path":"link/secret"}`)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	var body errorBody
	decodeBody(t, res, &body)
	assert.Contains(t, body.Error, "escapes the workspace")
}

func TestFileReadTooLarge(t *testing.T) {
	backend := newFakeBackend(t)
	fx := newFixture(t, backend.URL)

	big := make([]byte, maxFileRead+1)
	require.NoError(t, os.WriteFile(filepath.Join(fx.cfg.Storage.WorkspaceDir, "big.bin"), big, 0o644))

	res := fx.postJSON(t, "/api/files/read", `{"path":"big.bin"}`)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	var body errorBody
	decodeBody(t, res, &body)
	assert.Contains(t, body.Error, "exceeds")
}

func TestFileListSortsDirectoriesFirst(t *testing.T) {
	backend := newFakeBackend(t)
	fx := newFixture(t, backend.URL)

	for path, content := range map[string]string{
		"b.txt":     "bb",
		"a.txt":     "a",
		"sub/c.txt": "c",
	} {
		res := fx.postJSON(t, "/api/files/write",
			fmt.Sprintf(`{"path":%q,"content":%q}`, path, content))
		require.Equal(t, http.StatusOK, res.StatusCode)
		res.Body.Close()
	}

	res := fx.postJSON(t, "/api/files/list", `{}`)
	require.Equal(t, http.StatusOK, res.StatusCode)

	var body struct {
		Path    string      `json:"path"`
		Entries []fileEntry `json:"entries"`
	}
	decodeBody(t, res, &body)
	assert.Equal(t, ".", body.Path)
	require.Len(t, body.Entries, 3)
	assert.Equal(t, fileEntry{Name: "sub", Type: "directory"}, body.Entries[0])
	assert.Equal(t, fileEntry{Name: "a.txt", Type: "file", Size: 1}, body.Entries[1])
	assert.Equal(t, fileEntry{Name: "b.txt", Type: "file", Size: 2}, body.Entries[2])
}

func TestFileListErrors(t *testing.T) {
	backend := newFakeBackend(t)
	fx := newFixture(t, backend.URL)

	res := fx.postJSON(t, "/api/files/list", `{"path":"missing"}`)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	res.Body.Close()

	res = fx.postJSON(t, "/api/files/write", `{"path":"plain.txt","content":"x"}`)
	require.Equal(t, http.StatusOK, res.StatusCode)
	res.Body.Close()

	res = fx.postJSON(t, "/api/files/list", `{"path":"plain.txt"}`)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	var body errorBody
	decodeBody(t, res, &body)
	assert.Contains(t, body.Error, "not a directory")
}
