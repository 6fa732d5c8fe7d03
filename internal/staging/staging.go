package staging

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/example/chicken-disease/internal/apperr"
)

// Stager writes uploads to uniquely named temporary files under Dir.
type Stager struct {
	Dir string
}

// NewStager returns a stager rooted at dir, falling back to the OS temp dir.
func NewStager(dir string) *Stager {
	if dir == "" {
		dir = os.TempDir()
	}
	return &Stager{Dir: dir}
}

// Artifact is a staged upload owned by a single request.
type Artifact struct {
	path    string
	size    int64
	once    sync.Once
	release error
}

// Stage copies r into a new temporary file. Inputs larger than limit are rejected
// and nothing is left on disk.
func (s *Stager) Stage(r io.Reader, limit int64) (*Artifact, error) {
	file, err := os.CreateTemp(s.Dir, "upload-*")
	if err != nil {
		return nil, apperr.New(apperr.KindProcessing, "staging.create", "", err)
	}
	artifact := &Artifact{path: file.Name()}

	written, copyErr := io.Copy(file, io.LimitReader(r, limit+1))
	closeErr := file.Close()
	if err := errors.Join(copyErr, closeErr); err != nil {
		_ = artifact.Release()
		return nil, apperr.New(apperr.KindProcessing, "staging.write", "", err)
	}
	if written > limit {
		_ = artifact.Release()
		return nil, apperr.New(apperr.KindPayloadTooLarge, "staging.write", "", fmt.Errorf("image exceeds %d bytes", limit))
	}

	artifact.size = written
	return artifact, nil
}

// Path is the location of the staged file.
func (a *Artifact) Path() string {
	return a.path
}

// Size is the number of bytes staged.
func (a *Artifact) Size() int64 {
	return a.size
}

// Open returns a read handle on the staged file. The caller closes it.
func (a *Artifact) Open() (*os.File, error) {
	file, err := os.Open(a.path)
	if err != nil {
		return nil, apperr.New(apperr.KindProcessing, "staging.open", "", err)
	}
	return file, nil
}

// ReadAll returns the staged bytes.
func (a *Artifact) ReadAll() ([]byte, error) {
	data, err := os.ReadFile(a.path)
	if err != nil {
		return nil, apperr.New(apperr.KindProcessing, "staging.read", "", err)
	}
	return data, nil
}

// Release removes the file. Only the first call touches the filesystem; later
// calls return the same result.
func (a *Artifact) Release() error {
	a.once.Do(func() {
		if err := os.Remove(a.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			a.release = err
		}
	})
	return a.release
}
