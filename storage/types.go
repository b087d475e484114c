// Package storage exposes the client used to talk to the Ratio storage
// service. The storage service owns versioned, permission-checked files; the
// execution core reads and writes process state through it and never touches
// a local filesystem.
package storage

import "context"

// HeaderAuthorization carries the caller's JWT on every storage request.
const HeaderAuthorization = "x-ratio-authorization"

// Content types understood by the execution core.
const (
	// FileTypeAgentIO marks JSON bodies exchanged between executions
	// (arguments.aio, response.aio, execution.json).
	FileTypeAgentIO = "ratio::agent_io"
	// FileTypeDirectory marks directory entries.
	FileTypeDirectory = "ratio::directory"
)

// Permission names accepted by ValidateFileAccess.
const (
	PermissionRead    = "read"
	PermissionWrite   = "write"
	PermissionExecute = "execute"
)

// Default permission modes applied to files and directories created by the
// execution core.
const (
	DefaultFilePermissions      = "644"
	DefaultDirectoryPermissions = "755"
)

type (
	// Client is the surface of the storage service used by the execution
	// core. Every call carries the caller's JWT; the service enforces
	// per-entity permissions and returns ErrAccessDenied on refusal.
	Client interface {
		// DescribeFile returns the file's metadata document.
		DescribeFile(ctx context.Context, token, filePath string) (map[string]any, error)
		// DescribeFileVersion returns metadata for a specific version.
		// An empty versionID selects the latest version.
		DescribeFileVersion(ctx context.Context, token, filePath, versionID string) (map[string]any, error)
		// GetFileVersion returns the content of a file version. An empty
		// VersionID selects the latest version.
		GetFileVersion(ctx context.Context, token string, req GetFileVersionRequest) (*FileVersionContent, error)
		// PutFile creates a file entry (or directory when FileType is
		// FileTypeDirectory) without writing content.
		PutFile(ctx context.Context, token string, req PutFileRequest) error
		// PutFileVersion writes a new version of a file. The storage
		// service applies last-write-wins ordering to concurrent writes.
		PutFileVersion(ctx context.Context, token string, req PutFileVersionRequest) (*VersionDetails, error)
		// ValidateFileAccess reports whether the token's entity holds all
		// of the requested permissions on the file.
		ValidateFileAccess(ctx context.Context, token, filePath string, permissions []string) (bool, error)
		// ListFiles returns the paths directly under a directory.
		ListFiles(ctx context.Context, token, directory string) ([]string, error)
		// ListFileVersions returns version metadata documents for a file,
		// newest first.
		ListFileVersions(ctx context.Context, token, filePath string) ([]map[string]any, error)
		// FindFile searches for files matching the request.
		FindFile(ctx context.Context, token string, req FindFileRequest) ([]string, error)
		// DeleteFile removes a file and all of its versions.
		DeleteFile(ctx context.Context, token, filePath string) error
		// DeleteFileVersion removes a single version.
		DeleteFileVersion(ctx context.Context, token, filePath, versionID string) error
		// ChangeFilePermissions updates the file's permission mode.
		ChangeFilePermissions(ctx context.Context, token, filePath, permissions string) error
		// CopyFile copies the latest version of source to destination.
		CopyFile(ctx context.Context, token, source, destination string) error
		// GetDirectFileVersion returns a presigned URL for direct download.
		GetDirectFileVersion(ctx context.Context, token, filePath, versionID string) (string, error)
		// PutDirectFileVersionStart begins a direct upload and returns the
		// presigned target.
		PutDirectFileVersionStart(ctx context.Context, token, filePath string) (*DirectUpload, error)
		// PutDirectFileVersionComplete finalizes a direct upload.
		PutDirectFileVersionComplete(ctx context.Context, token, filePath, uploadID string) (*VersionDetails, error)
	}

	// GetFileVersionRequest selects a file version to read.
	GetFileVersionRequest struct {
		FilePath  string `json:"file_path"`
		VersionID string `json:"version_id,omitempty"`
	}

	// FileVersionContent is the content of a file version as returned by
	// the storage service.
	FileVersionContent struct {
		Data          string `json:"data"`
		Base64Encoded bool   `json:"base_64_encoded"`
		VersionID     string `json:"version_id"`
	}

	// PutFileRequest creates a file or directory entry.
	PutFileRequest struct {
		FilePath    string         `json:"file_path"`
		FileType    string         `json:"file_type"`
		Metadata    map[string]any `json:"metadata,omitempty"`
		Permissions string         `json:"permissions,omitempty"`
	}

	// PutFileVersionRequest writes a new version of a file.
	PutFileVersionRequest struct {
		FilePath    string         `json:"file_path"`
		Data        string         `json:"data"`
		Metadata    map[string]any `json:"metadata,omitempty"`
		SourceFiles []string       `json:"source_files,omitempty"`
		// Origin is "internal" or "external"; defaults to "internal".
		Origin string `json:"origin,omitempty"`
	}

	// VersionDetails describes a stored file version.
	VersionDetails struct {
		FilePath  string `json:"file_path"`
		VersionID string `json:"version_id"`
	}

	// FindFileRequest searches for files by name pattern under a directory.
	FindFileRequest struct {
		Directory   string `json:"directory"`
		NamePattern string `json:"name_pattern,omitempty"`
		FileType    string `json:"file_type,omitempty"`
		Recursive   bool   `json:"recursive,omitempty"`
	}

	// DirectUpload is the presigned target returned by
	// PutDirectFileVersionStart.
	DirectUpload struct {
		URL      string `json:"url"`
		UploadID string `json:"upload_id"`
	}
)
