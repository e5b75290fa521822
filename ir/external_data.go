package ir

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/exp/mmap"
)

// ExternalData locates the raw bytes of a weight stored outside the graph file.
type ExternalData struct {
	// Location is the path of the data file, relative to the graph file's directory.
	Location string `json:"location"`
	Offset   int64  `json:"offset,omitempty"`

	// Length in bytes. If 0 the full size of the tensor is read.
	Length int64 `json:"length,omitempty"`
}

// ExternalDataReader manages memory-mapped external data files for tensor loading.
// It caches mmap regions by file path since multiple weights usually share the same file.
type ExternalDataReader struct {
	baseDir  string
	mappings map[string]*mmap.ReaderAt
	mu       sync.Mutex
}

// NewExternalDataReader creates a reader resolving locations relative to baseDir.
func NewExternalDataReader(baseDir string) *ExternalDataReader {
	return &ExternalDataReader{
		baseDir:  baseDir,
		mappings: make(map[string]*mmap.ReaderAt),
	}
}

// getOrCreateMapping returns the mmap region for the given location, creating it if necessary.
func (r *ExternalDataReader) getOrCreateMapping(location string) (*mmap.ReaderAt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.mappings == nil {
		return nil, errors.New("ExternalDataReader used after Close")
	}
	if reader, ok := r.mappings[location]; ok {
		return reader, nil
	}
	externalPath := filepath.Join(r.baseDir, location)
	reader, err := mmap.Open(externalPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to mmap external data file %q", externalPath)
	}
	r.mappings[location] = reader
	return reader, nil
}

// ReadInto copies the external data described by info directly into dst (typically the
// tensor's backing memory).
func (r *ExternalDataReader) ReadInto(info *ExternalData, dst []byte) error {
	if r.baseDir == "" {
		return errors.New("base directory is required for reading external data")
	}
	if info.Length > 0 && info.Length != int64(len(dst)) {
		return errors.Errorf("external data length %d doesn't match destination size %d", info.Length, len(dst))
	}
	reader, err := r.getOrCreateMapping(info.Location)
	if err != nil {
		return err
	}
	n, err := reader.ReadAt(dst, info.Offset)
	if err != nil && err != io.EOF {
		return errors.Wrapf(err, "failed to read %d bytes at offset %d from external data file %q",
			len(dst), info.Offset, info.Location)
	}
	if n != len(dst) {
		return errors.Errorf("read %d bytes but expected %d from external data file %q", n, len(dst), info.Location)
	}
	return nil
}

// Close unmaps all memory regions. The reader cannot be used afterwards.
func (r *ExternalDataReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for location, reader := range r.mappings {
		if err := reader.Close(); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "failed to close mmap for %q", location)
		}
	}
	r.mappings = nil
	return firstErr
}

// ExternalDataWriter appends weights to a single raw data file, recording where each one went.
type ExternalDataWriter struct {
	location string
	file     *os.File
	offset   int64
}

// NewExternalDataWriter creates (truncating) the data file baseDir/location.
func NewExternalDataWriter(baseDir, location string) (*ExternalDataWriter, error) {
	path := filepath.Join(baseDir, location)
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create external data file %q", path)
	}
	return &ExternalDataWriter{location: location, file: f}, nil
}

// Write appends data and returns its location record.
func (w *ExternalDataWriter) Write(data []byte) (*ExternalData, error) {
	n, err := w.file.Write(data)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to write %d bytes to external data file %q", len(data), w.location)
	}
	info := &ExternalData{Location: w.location, Offset: w.offset, Length: int64(n)}
	w.offset += int64(n)
	return info, nil
}

// Close flushes and closes the data file.
func (w *ExternalDataWriter) Close() error {
	return errors.Wrapf(w.file.Close(), "failed to close external data file %q", w.location)
}
