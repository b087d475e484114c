// Package storagetest provides an in-memory storage.Client used by engine and
// coordinator tests. It models the storage service's observable semantics:
// versioned content, last-write-wins ordering, and permission refusals.
package storagetest

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"goa.design/ratio/storage"
)

type (
	// Store is an in-memory implementation of storage.Client.
	Store struct {
		mu     sync.Mutex
		files  map[string]*file
		denied map[string]bool
		seq    int
	}

	file struct {
		fileType    string
		permissions string
		metadata    map[string]any
		versions    []version
	}

	version struct {
		id   string
		data string
	}
)

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		files:  make(map[string]*file),
		denied: make(map[string]bool),
	}
}

// Deny marks a path as inaccessible: ValidateFileAccess reports no access and
// reads return storage.ErrAccessDenied.
func (s *Store) Deny(filePath string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.denied[filePath] = true
}

// SeedJSON writes a JSON document at the given path, creating the file entry.
func (s *Store) SeedJSON(filePath string, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		panic(fmt.Sprintf("storagetest: marshal %s: %v", filePath, err))
	}
	ctx := context.Background()
	_ = s.PutFile(ctx, "seed", storage.PutFileRequest{FilePath: filePath, FileType: storage.FileTypeAgentIO})
	if _, err := s.PutFileVersion(ctx, "seed", storage.PutFileVersionRequest{FilePath: filePath, Data: string(data)}); err != nil {
		panic(fmt.Sprintf("storagetest: seed %s: %v", filePath, err))
	}
}

// ReadJSON decodes the latest version at the path into out. It reports
// whether the file exists.
func (s *Store) ReadJSON(filePath string, out any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[filePath]
	if !ok || len(f.versions) == 0 {
		return false
	}
	if err := json.Unmarshal([]byte(f.versions[len(f.versions)-1].data), out); err != nil {
		panic(fmt.Sprintf("storagetest: unmarshal %s: %v", filePath, err))
	}
	return true
}

// Exists reports whether a file entry is present.
func (s *Store) Exists(filePath string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.files[filePath]
	return ok
}

func (s *Store) DescribeFile(ctx context.Context, token, filePath string) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.lookup(filePath)
	if err != nil {
		return nil, err
	}
	meta := map[string]any{
		"file_path":   filePath,
		"file_name":   path.Base(filePath),
		"file_type":   f.fileType,
		"permissions": f.permissions,
	}
	for k, v := range f.metadata {
		meta[k] = v
	}
	return meta, nil
}

func (s *Store) DescribeFileVersion(ctx context.Context, token, filePath, versionID string) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.lookup(filePath)
	if err != nil {
		return nil, err
	}
	v, err := f.version(versionID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"file_path":  filePath,
		"version_id": v.id,
		"size":       len(v.data),
	}, nil
}

func (s *Store) GetFileVersion(ctx context.Context, token string, req storage.GetFileVersionRequest) (*storage.FileVersionContent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.lookup(req.FilePath)
	if err != nil {
		return nil, err
	}
	v, err := f.version(req.VersionID)
	if err != nil {
		return nil, err
	}
	return &storage.FileVersionContent{Data: v.data, VersionID: v.id}, nil
}

func (s *Store) PutFile(ctx context.Context, token string, req storage.PutFileRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.denied[req.FilePath] {
		return storage.ErrAccessDenied
	}
	if f, ok := s.files[req.FilePath]; ok {
		if req.FileType != "" {
			f.fileType = req.FileType
		}
		return nil
	}
	s.files[req.FilePath] = &file{
		fileType:    req.FileType,
		permissions: req.Permissions,
		metadata:    req.Metadata,
	}
	return nil
}

func (s *Store) PutFileVersion(ctx context.Context, token string, req storage.PutFileVersionRequest) (*storage.VersionDetails, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.denied[req.FilePath] {
		return nil, storage.ErrAccessDenied
	}
	f, ok := s.files[req.FilePath]
	if !ok {
		f = &file{fileType: storage.FileTypeAgentIO}
		s.files[req.FilePath] = f
	}
	s.seq++
	v := version{id: fmt.Sprintf("v%d", s.seq), data: req.Data}
	f.versions = append(f.versions, v)
	return &storage.VersionDetails{FilePath: req.FilePath, VersionID: v.id}, nil
}

func (s *Store) ValidateFileAccess(ctx context.Context, token, filePath string, permissions []string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.denied[filePath], nil
}

func (s *Store) ListFiles(ctx context.Context, token, directory string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := strings.TrimSuffix(directory, "/") + "/"
	var out []string
	for p := range s.files {
		if strings.HasPrefix(p, prefix) && !strings.Contains(strings.TrimPrefix(p, prefix), "/") {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) ListFileVersions(ctx context.Context, token, filePath string) ([]map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.lookup(filePath)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(f.versions))
	for i := len(f.versions) - 1; i >= 0; i-- {
		out = append(out, map[string]any{
			"file_path":  filePath,
			"version_id": f.versions[i].id,
		})
	}
	return out, nil
}

func (s *Store) FindFile(ctx context.Context, token string, req storage.FindFileRequest) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := strings.TrimSuffix(req.Directory, "/") + "/"
	var out []string
	for p := range s.files {
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		if req.NamePattern != "" && !strings.Contains(path.Base(p), req.NamePattern) {
			continue
		}
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) DeleteFile(ctx context.Context, token, filePath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.files[filePath]; !ok {
		return storage.ErrNotFound
	}
	delete(s.files, filePath)
	return nil
}

func (s *Store) DeleteFileVersion(ctx context.Context, token, filePath, versionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.lookup(filePath)
	if err != nil {
		return err
	}
	for i, v := range f.versions {
		if v.id == versionID {
			f.versions = append(f.versions[:i], f.versions[i+1:]...)
			return nil
		}
	}
	return storage.ErrNotFound
}

func (s *Store) ChangeFilePermissions(ctx context.Context, token, filePath, permissions string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.lookup(filePath)
	if err != nil {
		return err
	}
	f.permissions = permissions
	return nil
}

func (s *Store) CopyFile(ctx context.Context, token, source, destination string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.lookup(source)
	if err != nil {
		return err
	}
	dst := &file{fileType: f.fileType, permissions: f.permissions}
	if len(f.versions) > 0 {
		s.seq++
		dst.versions = []version{{id: fmt.Sprintf("v%d", s.seq), data: f.versions[len(f.versions)-1].data}}
	}
	s.files[destination] = dst
	return nil
}

func (s *Store) GetDirectFileVersion(ctx context.Context, token, filePath, versionID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.lookup(filePath); err != nil {
		return "", err
	}
	return "memory://" + filePath, nil
}

func (s *Store) PutDirectFileVersionStart(ctx context.Context, token, filePath string) (*storage.DirectUpload, error) {
	return &storage.DirectUpload{URL: "memory://" + filePath, UploadID: "upload-1"}, nil
}

func (s *Store) PutDirectFileVersionComplete(ctx context.Context, token, filePath, uploadID string) (*storage.VersionDetails, error) {
	return &storage.VersionDetails{FilePath: filePath, VersionID: "v0"}, nil
}

func (s *Store) lookup(filePath string) (*file, error) {
	if s.denied[filePath] {
		return nil, storage.ErrAccessDenied
	}
	f, ok := s.files[filePath]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, filePath)
	}
	return f, nil
}

func (f *file) version(id string) (version, error) {
	if len(f.versions) == 0 {
		return version{}, fmt.Errorf("%w: no versions", storage.ErrNotFound)
	}
	if id == "" {
		return f.versions[len(f.versions)-1], nil
	}
	for _, v := range f.versions {
		if v.id == id {
			return v, nil
		}
	}
	return version{}, fmt.Errorf("%w: version %s", storage.ErrNotFound, id)
}
