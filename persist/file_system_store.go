package persist

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

const (
	FilePermissions os.FileMode = 0600
	DirPermissions  os.FileMode = 0700

	keyRecordFile = "keyrecord.json"
	saltFile      = "derivation.salt"
)

// FileSystemStore implements Store on the local filesystem with
// optimistic concurrency control based on content hashing. Writes go
// through a temp file and an atomic rename.
type FileSystemStore struct {
	basePath      string
	keyRecordPath string
	saltPath      string
}

// NewFileSystemStore initializes the directory layout and returns a store
// rooted at basePath.
func NewFileSystemStore(basePath string) (*FileSystemStore, error) {
	if basePath == "" {
		return nil, fmt.Errorf("base path is required")
	}

	if err := os.MkdirAll(basePath, DirPermissions); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", basePath, err)
	}

	return &FileSystemStore{
		basePath:      basePath,
		keyRecordPath: filepath.Join(basePath, keyRecordFile),
		saltPath:      filepath.Join(basePath, saltFile),
	}, nil
}

// SaveKeyRecord with optimistic concurrency control
func (fs *FileSystemStore) SaveKeyRecord(data []byte, expectedVersion string) (string, error) {
	if data == nil {
		return "", fmt.Errorf("key record cannot be nil")
	}
	if err := fs.checkVersion(fs.keyRecordPath, expectedVersion, "SaveKeyRecord"); err != nil {
		return "", err
	}

	if err := writeSecureFile(fs.keyRecordPath, data, FilePermissions); err != nil {
		return "", err
	}
	return calculateVersion(data), nil
}

func (fs *FileSystemStore) LoadKeyRecord() (*VersionedData, error) {
	return fs.loadVersioned(fs.keyRecordPath, "key record")
}

func (fs *FileSystemStore) KeyRecordExists() (bool, error) {
	return fileExists(fs.keyRecordPath)
}

// SaveSalt with optimistic concurrency control
func (fs *FileSystemStore) SaveSalt(saltData []byte, expectedVersion string) (string, error) {
	if len(saltData) == 0 {
		return "", fmt.Errorf("salt is required")
	}
	if err := fs.checkVersion(fs.saltPath, expectedVersion, "SaveSalt"); err != nil {
		return "", err
	}

	if err := writeSecureFile(fs.saltPath, saltData, FilePermissions); err != nil {
		return "", err
	}
	return calculateVersion(saltData), nil
}

func (fs *FileSystemStore) LoadSalt() (*VersionedData, error) {
	return fs.loadVersioned(fs.saltPath, "salt")
}

func (fs *FileSystemStore) SaltExists() (bool, error) {
	return fileExists(fs.saltPath)
}

func (fs *FileSystemStore) GetType() string {
	return string(StoreTypeFileSystem)
}

func (fs *FileSystemStore) Ping() error {
	_, err := os.Stat(fs.basePath)
	return err
}

func (fs *FileSystemStore) Close() error {
	return nil
}

func (fs *FileSystemStore) loadVersioned(path, what string) (*VersionedData, error) {
	fileInfo, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to stat %s: %w", what, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", what, err)
	}

	return &VersionedData{
		Data:      data,
		Version:   calculateVersion(data),
		Timestamp: fileInfo.ModTime(),
	}, nil
}

func (fs *FileSystemStore) checkVersion(path, expectedVersion, operation string) error {
	if expectedVersion == "" {
		return nil
	}
	currentVersion, err := fs.getFileVersion(path)
	if err != nil {
		return fmt.Errorf("failed to check current version: %w", err)
	}
	if currentVersion != expectedVersion {
		return ConcurrencyError{
			ExpectedVersion: expectedVersion,
			ActualVersion:   currentVersion,
			Operation:       operation,
		}
	}
	return nil
}

func (fs *FileSystemStore) getFileVersion(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil // File doesn't exist, version is empty
		}
		return "", err
	}
	return calculateVersion(data), nil
}

func calculateVersion(data []byte) string {
	// MD5 of content as a version identifier, not an integrity measure
	hash := md5.Sum(data)
	return hex.EncodeToString(hash[:])
}

func writeSecureFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	if _, err = tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write to temp file: %w", err)
	}

	if err = tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}

	if err = tmpFile.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err = os.Chmod(tmpPath, perm); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to set permissions: %w", err)
	}

	if err = os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}

func fileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}
