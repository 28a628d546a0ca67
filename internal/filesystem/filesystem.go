package filesystem

import (
	"encoding/hex"
	"hash"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"

	"udpcopier/internal/config"
	"udpcopier/internal/errors"
)

// FileInfo represents information about a file to be transferred
type FileInfo struct {
	Name     string
	Size     int64
	Path     string
	IsDir    bool
	Modified time.Time
}

// ValidateFilePath checks that a path given on the command line can name a
// file. Paths are the operator's own, so relative parents are allowed.
func ValidateFilePath(path string) error {
	if path == "" {
		return errors.NewValidationError("file_path", path, "path is empty")
	}
	if strings.ContainsRune(path, 0) {
		return errors.NewValidationError("file_path", path, "path contains a NUL byte")
	}
	return nil
}

// GetFileInfo returns information about a file
func GetFileInfo(path string) (*FileInfo, error) {
	if err := ValidateFilePath(path); err != nil {
		return nil, err
	}

	stat, err := os.Stat(path)
	if err != nil {
		return nil, errors.NewFileSystemError("stat", path, err)
	}

	return &FileInfo{
		Name:     stat.Name(),
		Size:     stat.Size(),
		Path:     path,
		IsDir:    stat.IsDir(),
		Modified: stat.ModTime(),
	}, nil
}

// EnsureDirectoryExists creates a directory if it doesn't exist
func EnsureDirectoryExists(dir string) error {
	if err := ValidateFilePath(dir); err != nil {
		return err
	}

	if err := os.MkdirAll(dir, config.LogDirPerms); err != nil {
		return errors.NewFileSystemError("mkdir", dir, err)
	}

	return nil
}

func newDigest() hash.Hash {
	// New256 only fails for keys longer than 64 bytes
	h, _ := blake2b.New256(nil)
	return h
}

// Source reads the leading bytes of a file exactly once, hashing them as
// they pass through
type Source struct {
	file   *os.File
	path   string
	size   int64
	reader io.Reader
	digest hash.Hash
}

// OpenSource opens path for reading its first count bytes. A count of
// config.WholeFile selects the entire file. Asking for more bytes than the
// file holds is a short read.
func OpenSource(path string, count int64) (*Source, error) {
	info, err := GetFileInfo(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir {
		return nil, errors.NewValidationError("file_path", path, "path is a directory")
	}

	if count == config.WholeFile {
		count = info.Size
	}
	if count < 0 {
		return nil, errors.NewValidationError("byte_count", count, "byte count cannot be negative")
	}
	if count > info.Size {
		slog.Warn("Requested more bytes than the file holds", "requested", count, "file_size", info.Size)
		return nil, errors.NewFileSystemError("read", path, io.ErrUnexpectedEOF)
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, errors.NewFileSystemError("open", path, err)
	}

	digest := newDigest()
	return &Source{
		file:   file,
		path:   path,
		size:   count,
		reader: io.TeeReader(io.LimitReader(file, count), digest),
		digest: digest,
	}, nil
}

// Size returns the number of bytes the source yields
func (s *Source) Size() int64 {
	return s.size
}

// Read implements io.Reader
func (s *Source) Read(p []byte) (int, error) {
	n, err := s.reader.Read(p)
	if err != nil && err != io.EOF {
		return n, errors.NewFileSystemError("read", s.path, err)
	}
	return n, err
}

// Digest returns the hex BLAKE2b-256 digest of the bytes read so far
func (s *Source) Digest() string {
	return hex.EncodeToString(s.digest.Sum(nil))
}

// Close releases the file
func (s *Source) Close() error {
	if err := s.file.Close(); err != nil {
		return errors.NewFileSystemError("close", s.path, err)
	}
	return nil
}

// Sink appends delivered bytes to a file, hashing them on the way
type Sink struct {
	file    *os.File
	path    string
	written int64
	digest  hash.Hash
}

// OpenSink opens path for append-only writes, creating it and its parent
// directory when missing. Existing content is preserved.
func OpenSink(path string) (*Sink, error) {
	if err := ValidateFilePath(path); err != nil {
		return nil, err
	}
	if err := EnsureDirectoryExists(filepath.Dir(path)); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, config.SinkFilePerms)
	if err != nil {
		return nil, errors.NewFileSystemError("open", path, err)
	}

	return &Sink{file: file, path: path, digest: newDigest()}, nil
}

// Write implements io.Writer
func (s *Sink) Write(p []byte) (int, error) {
	n, err := s.file.Write(p)
	s.digest.Write(p[:n])
	s.written += int64(n)
	if err != nil {
		return n, errors.NewFileSystemError("write", s.path, err)
	}
	return n, nil
}

// Written returns the number of bytes appended by this sink
func (s *Sink) Written() int64 {
	return s.written
}

// Digest returns the hex BLAKE2b-256 digest of the bytes appended so far
func (s *Sink) Digest() string {
	return hex.EncodeToString(s.digest.Sum(nil))
}

// Close flushes and releases the file
func (s *Sink) Close() error {
	if err := s.file.Sync(); err != nil {
		s.file.Close()
		return errors.NewFileSystemError("sync", s.path, err)
	}
	if err := s.file.Close(); err != nil {
		return errors.NewFileSystemError("close", s.path, err)
	}
	return nil
}

// CalculateFileHash returns the hex BLAKE2b-256 digest of the first limit
// bytes of a file, or of the whole file when limit is config.WholeFile
func CalculateFileHash(path string, limit int64) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", errors.NewFileSystemError("open", path, err)
	}
	defer file.Close()

	var r io.Reader = file
	if limit != config.WholeFile {
		r = io.LimitReader(file, limit)
	}

	digest := newDigest()
	buffer := make([]byte, config.ReadBufferLen)
	if _, err := io.CopyBuffer(digest, r, buffer); err != nil {
		return "", errors.NewFileSystemError("read_hash", path, err)
	}

	return hex.EncodeToString(digest.Sum(nil)), nil
}
