package httpapi

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"
)

// maxFileRead caps how much of a workspace file a single read request
// returns.
const maxFileRead = 1 << 20

type fileReadRequest struct {
	Path string `json:"path"`
}

type fileReadResponse struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Size    int64  `json:"size"`
}

// handleFileRead serves POST /api/files/read for paths inside the
// workspace directory.
func (s *Server) handleFileRead(w http.ResponseWriter, r *http.Request) {
	var req fileReadRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		writeTaskError(w, err)
		return
	}
	full, err := sandboxPath(s.workspace, req.Path)
	if err != nil {
		writeTaskError(w, err)
		return
	}

	info, err := os.Stat(full)
	switch {
	case os.IsNotExist(err):
		writeError(w, http.StatusNotFound, "file not found")
		return
	case err != nil:
		s.logger.Error("stat workspace file", zap.String("path", full), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "read file")
		return
	case info.IsDir():
		writeError(w, http.StatusBadRequest, "not a file")
		return
	case info.Size() > maxFileRead:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("file exceeds %d bytes", maxFileRead))
		return
	}

	data, err := os.ReadFile(full)
	if err != nil {
		s.logger.Error("read workspace file", zap.String("path", full), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "read file")
		return
	}
	writeJSON(w, http.StatusOK, fileReadResponse{
		Path:    filepath.ToSlash(filepath.Clean(req.Path)),
		Content: string(data),
		Size:    int64(len(data)),
	})
}

type fileWriteRequest struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

type fileWriteResponse struct {
	Path         string `json:"path"`
	BytesWritten int    `json:"bytes_written"`
}

// handleFileWrite serves POST /api/files/write. Overwriting an existing
// file leaves a .bak copy of the previous content next to it.
func (s *Server) handleFileWrite(w http.ResponseWriter, r *http.Request) {
	var req fileWriteRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		writeTaskError(w, err)
		return
	}
	full, err := sandboxPath(s.workspace, req.Path)
	if err != nil {
		writeTaskError(w, err)
		return
	}

	if info, err := os.Stat(full); err == nil {
		if info.IsDir() {
			writeError(w, http.StatusBadRequest, "not a file")
			return
		}
		prev, err := os.ReadFile(full)
		if err == nil {
			err = os.WriteFile(full+".bak", prev, 0o644)
		}
		if err != nil {
			s.logger.Error("backup workspace file", zap.String("path", full), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "backup existing file")
			return
		}
	}

	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		s.logger.Error("create workspace directory", zap.String("path", full), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "write file")
		return
	}
	if err := os.WriteFile(full, []byte(req.Content), 0o644); err != nil {
		s.logger.Error("write workspace file", zap.String("path", full), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "write file")
		return
	}

	s.logger.Info("workspace file written",
		zap.String("path", full),
		zap.Int("bytes", len(req.Content)),
	)
	writeJSON(w, http.StatusOK, fileWriteResponse{
		Path:         filepath.ToSlash(filepath.Clean(req.Path)),
		BytesWritten: len(req.Content),
	})
}

type fileListRequest struct {
	Path string `json:"path,omitempty"`
}

type fileEntry struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Size int64  `json:"size"`
}

// handleFileList serves POST /api/files/list. Entries come back
// directories first, each group in name order.
func (s *Server) handleFileList(w http.ResponseWriter, r *http.Request) {
	var req fileListRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		writeTaskError(w, err)
		return
	}
	if req.Path == "" {
		req.Path = "."
	}
	full, err := sandboxPath(s.workspace, req.Path)
	if err != nil {
		writeTaskError(w, err)
		return
	}

	info, err := os.Stat(full)
	switch {
	case os.IsNotExist(err):
		writeError(w, http.StatusNotFound, "directory not found")
		return
	case err != nil:
		s.logger.Error("stat workspace directory", zap.String("path", full), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list directory")
		return
	case !info.IsDir():
		writeError(w, http.StatusBadRequest, "not a directory")
		return
	}

	dirents, err := os.ReadDir(full)
	if err != nil {
		s.logger.Error("read workspace directory", zap.String("path", full), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list directory")
		return
	}

	entries := make([]fileEntry, 0, len(dirents))
	for _, d := range dirents {
		e := fileEntry{Name: d.Name(), Type: "file"}
		if d.IsDir() {
			e.Type = "directory"
		} else if fi, err := d.Info(); err == nil {
			e.Size = fi.Size()
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Type != entries[j].Type {
			return entries[i].Type == "directory"
		}
		return entries[i].Name < entries[j].Name
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"path":    filepath.ToSlash(filepath.Clean(req.Path)),
		"entries": entries,
	})
}
