package transfer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// FileSaver receives a fully assembled download and returns where it went.
type FileSaver interface {
	Save(name string, data []byte) (string, error)
}

// SaverFunc adapts a function to FileSaver.
type SaverFunc func(name string, data []byte) (string, error)

func (f SaverFunc) Save(name string, data []byte) (string, error) { return f(name, data) }

// DirSaver writes downloads into Dir, never overwriting an existing file.
type DirSaver struct {
	Dir string
}

// Save stores data under the base name of name, appending " (n)" before the
// extension when the name is taken.
func (s DirSaver) Save(name string, data []byte) (string, error) {
	base := filepath.Base(filepath.Clean("/" + name))
	if base == "/" || base == "." {
		return "", fmt.Errorf("invalid file name %q", name)
	}

	if err := os.MkdirAll(s.Dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create download directory: %w", err)
	}

	ext := filepath.Ext(base)
	stem := base[:len(base)-len(ext)]
	path := filepath.Join(s.Dir, base)

	for n := 1; ; n++ {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if errors.Is(err, os.ErrExist) {
			path = filepath.Join(s.Dir, fmt.Sprintf("%s (%d)%s", stem, n, ext))
			continue
		}
		if err != nil {
			return "", err
		}

		_, werr := f.Write(data)
		cerr := f.Close()
		if err := errors.Join(werr, cerr); err != nil {
			return "", err
		}
		return path, nil
	}
}
