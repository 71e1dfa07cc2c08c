package weights

import (
	"fmt"
	"io"
	"os"

	"github.com/23skdu/longbow-bertcore/internal/dtype"
)

// LoadRaw reads a headerless file of little-endian elements of type t.
func LoadRaw(r io.Reader, t dtype.DataType) (Raw, error) {
	size := int64(dtype.ElementSize(t))
	if size == 0 {
		return Raw{}, fmt.Errorf("%w: %s", dtype.ErrUnsupportedPrecision, t)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return Raw{}, err
	}
	if int64(len(data))%size != 0 {
		return Raw{}, fmt.Errorf("file size %d is not a multiple of %s element size %d", len(data), t, size)
	}
	return Raw{Type: t, Count: int64(len(data)) / size, Values: data}, nil
}

// LoadRawFile opens path and reads it with LoadRaw.
func LoadRawFile(path string, t dtype.DataType) (Raw, error) {
	f, err := os.Open(path)
	if err != nil {
		return Raw{}, err
	}
	defer f.Close()

	raw, err := LoadRaw(f, t)
	if err != nil {
		return Raw{}, fmt.Errorf("failed to load %s: %w", path, err)
	}
	return raw, nil
}
