package device

import (
	"fmt"
	"io"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-bertcore/internal/dtype"
	"github.com/23skdu/longbow-bertcore/internal/weights"
)

// Stage copies an owned host weight into a new device buffer. An empty or
// nil weight yields an empty buffer without touching the allocator.
func Stage[T any](rt Runtime, w *weights.Owned) (*DeviceBuffer[T], error) {
	if w.Empty() {
		return &DeviceBuffer[T]{}, nil
	}
	if int64(dtype.ElementSize(w.Type())) != elemSize[T]() {
		return nil, fmt.Errorf("%w: %s weight staged as %d-byte elements", ErrInvalidArgument, w.Type(), elemSize[T]())
	}
	log.Debug().Str("type", w.Type().String()).Int64("bytes", w.Size()).Msg("Weights(Host) => Array(Device)")
	return StageBytes[T](rt, w.Bytes(), w.Size())
}

// StageBytes allocates nbBytes of device memory and copies host[:nbBytes]
// into it. An empty source yields an empty buffer.
func StageBytes[T any](rt Runtime, host []byte, nbBytes int64) (*DeviceBuffer[T], error) {
	if len(host) == 0 || nbBytes == 0 {
		return &DeviceBuffer[T]{}, nil
	}
	if nbBytes < 0 || nbBytes > int64(len(host)) {
		return nil, fmt.Errorf("%w: staging %d bytes from a %d byte host buffer", ErrInvalidArgument, nbBytes, len(host))
	}
	size := elemSize[T]()
	if nbBytes%size != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a whole number of %d-byte elements", ErrInvalidArgument, nbBytes, size)
	}

	buf, err := allocBuffer[T](rt, int(nbBytes/size))
	if err != nil {
		return nil, err
	}
	if err := rt.CopyHostToDevice(buf.ptr, host[:nbBytes]); err != nil {
		_ = buf.Free()
		return nil, accelErr("memcpy htod", err)
	}
	copies.WithLabelValues("htod").Inc()
	return buf, nil
}

// StageFromCursor copies count elements of serialized bytes at the cursor
// straight to the device and advances the cursor past them.
func StageFromCursor[T any](rt Runtime, c *weights.Cursor, count int) (*DeviceBuffer[T], error) {
	nbBytes := int64(count) * elemSize[T]()
	src, err := c.Next(nbBytes)
	if err != nil {
		return nil, err
	}
	return StageBytes[T](rt, src, nbBytes)
}

// Duplicate gives a second consumer a private copy of src without going
// back to the host.
func Duplicate[T any](src *DeviceBuffer[T]) (*DeviceBuffer[T], error) {
	if src.Empty() {
		return &DeviceBuffer[T]{}, nil
	}
	dst, err := allocBuffer[T](src.rt, src.count)
	if err != nil {
		return nil, err
	}
	if err := src.rt.CopyDeviceToDevice(dst.ptr, src.ptr, src.SizeBytes()); err != nil {
		_ = dst.Free()
		return nil, accelErr("memcpy dtod", err)
	}
	copies.WithLabelValues("dtod").Inc()
	return dst, nil
}

// CopyToHost copies the buffer into dst and returns the number of bytes
// written, so a serializer can advance its own cursor by that amount.
func CopyToHost[T any](src *DeviceBuffer[T], dst []byte) (int, error) {
	if src.Empty() {
		return 0, nil
	}
	n := src.SizeBytes()
	if int64(len(dst)) < n {
		return 0, fmt.Errorf("%w: need %d bytes to read back, have %d", ErrInvalidArgument, n, len(dst))
	}
	if err := src.rt.CopyDeviceToHost(dst[:n], src.ptr); err != nil {
		return 0, accelErr("memcpy dtoh", err)
	}
	copies.WithLabelValues("dtoh").Inc()
	return int(n), nil
}

// Serialize writes the buffer contents to w.
func Serialize[T any](w io.Writer, src *DeviceBuffer[T]) error {
	host := make([]byte, src.SizeBytes())
	if _, err := CopyToHost(src, host); err != nil {
		return err
	}
	_, err := w.Write(host)
	return err
}

// ConvertAndCopy converts src to the target precision on the host and
// copies the result into the existing device allocation dst, which must
// hold at least src.Count elements of target.
func ConvertAndCopy(rt Runtime, src weights.Raw, dst Ptr, target dtype.DataType) error {
	w, err := weights.Convert(src, target)
	if err != nil {
		return err
	}
	defer w.Release()

	if w.Empty() {
		return nil
	}
	if err := rt.CopyHostToDevice(dst, w.Bytes()); err != nil {
		return accelErr("memcpy htod", err)
	}
	copies.WithLabelValues("htod").Inc()
	return nil
}
