package weights

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"

	"github.com/23skdu/longbow-bertcore/internal/dtype"
)

const bundleVersion = 1

// BundleEntry describes one weight stored in a bundle.
type BundleEntry struct {
	Name  string         `cbor:"name"`
	Type  dtype.DataType `cbor:"type"`
	Count int64          `cbor:"count"`
}

type bundleHeader struct {
	Version int           `cbor:"version"`
	Entries []BundleEntry `cbor:"entries"`
}

// Named pairs a weight with the name it is serialized under.
type Named struct {
	Name   string
	Weight *Owned
}

// EncodeBundle writes a little-endian uint32 header length, a CBOR header
// listing every weight, then the raw bytes of each weight in order.
func EncodeBundle(w io.Writer, ws []Named) error {
	hdr := bundleHeader{Version: bundleVersion, Entries: make([]BundleEntry, len(ws))}
	for i, n := range ws {
		if n.Weight == nil {
			return fmt.Errorf("bundle entry %q has no weight", n.Name)
		}
		hdr.Entries[i] = BundleEntry{Name: n.Name, Type: n.Weight.Type(), Count: n.Weight.Count()}
	}

	enc, err := cbor.Marshal(hdr)
	if err != nil {
		return fmt.Errorf("encode bundle header: %w", err)
	}

	var prefix [4]byte
	binary.LittleEndian.PutUint32(prefix[:], uint32(len(enc)))
	if _, err := w.Write(prefix[:]); err != nil {
		return err
	}
	if _, err := w.Write(enc); err != nil {
		return err
	}
	for _, n := range ws {
		if _, err := w.Write(n.Weight.Bytes()); err != nil {
			return fmt.Errorf("write weight %q: %w", n.Name, err)
		}
	}
	return nil
}

// DecodeBundle reads a bundle produced by EncodeBundle. Each weight is
// materialized with ConvertFromBytes over a single cursor.
func DecodeBundle(data []byte) ([]Named, error) {
	c := NewCursor(data)

	prefix, err := c.Next(4)
	if err != nil {
		return nil, fmt.Errorf("read bundle header length: %w", err)
	}
	raw, err := c.Next(int64(binary.LittleEndian.Uint32(prefix)))
	if err != nil {
		return nil, fmt.Errorf("read bundle header: %w", err)
	}

	var hdr bundleHeader
	if err := cbor.Unmarshal(raw, &hdr); err != nil {
		return nil, fmt.Errorf("decode bundle header: %w", err)
	}
	if hdr.Version != bundleVersion {
		return nil, fmt.Errorf("unsupported bundle version %d", hdr.Version)
	}

	out := make([]Named, 0, len(hdr.Entries))
	for _, e := range hdr.Entries {
		w, err := ConvertFromBytes(c, e.Count, e.Type)
		if err != nil {
			return nil, fmt.Errorf("decode weight %q: %w", e.Name, err)
		}
		out = append(out, Named{Name: e.Name, Weight: w})
	}
	if c.Remaining() != 0 {
		return nil, fmt.Errorf("bundle has %d trailing bytes", c.Remaining())
	}
	return out, nil
}
