package storage

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// GetJSON reads the latest version of an agent_io file and decodes its JSON
// body into out. Base64-encoded content is decoded transparently.
func GetJSON(ctx context.Context, c Client, token, filePath string, out any) error {
	content, err := c.GetFileVersion(ctx, token, GetFileVersionRequest{FilePath: filePath})
	if err != nil {
		return err
	}
	data := []byte(content.Data)
	if content.Base64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(content.Data)
		if err != nil {
			return fmt.Errorf("decode %s: %w", filePath, err)
		}
		data = decoded
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unmarshal %s: %w", filePath, err)
	}
	return nil
}

// PutJSON creates the file entry if needed and writes a JSON body as a new
// version. The file is created with the given content type and the default
// file permissions.
func PutJSON(ctx context.Context, c Client, token, filePath, fileType string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filePath, err)
	}
	if err := EnsureFile(ctx, c, token, filePath, fileType); err != nil {
		return err
	}
	if _, err := c.PutFileVersion(ctx, token, PutFileVersionRequest{
		FilePath: filePath,
		Data:     string(data),
	}); err != nil {
		return fmt.Errorf("write %s: %w", filePath, err)
	}
	return nil
}

// EnsureFile creates a file entry, tolerating an already-existing entry.
func EnsureFile(ctx context.Context, c Client, token, filePath, fileType string) error {
	err := c.PutFile(ctx, token, PutFileRequest{
		FilePath:    filePath,
		FileType:    fileType,
		Permissions: DefaultFilePermissions,
	})
	if err != nil {
		return fmt.Errorf("create %s: %w", filePath, err)
	}
	return nil
}

// EnsureDirectory creates a directory entry with the default directory
// permissions.
func EnsureDirectory(ctx context.Context, c Client, token, dirPath string) error {
	err := c.PutFile(ctx, token, PutFileRequest{
		FilePath:    dirPath,
		FileType:    FileTypeDirectory,
		Permissions: DefaultDirectoryPermissions,
	})
	if err != nil {
		return fmt.Errorf("create directory %s: %w", dirPath, err)
	}
	return nil
}
