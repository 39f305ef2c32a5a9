package rangegraph

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/renameio"
)

var byteOrder = binary.LittleEndian

func readInt32(r io.Reader) (int32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return int32(byteOrder.Uint32(buf[:])), nil
}

func writeInt32(w io.Writer, v int32) error {
	var buf [4]byte
	byteOrder.PutUint32(buf[:], uint32(v))
	_, err := w.Write(buf[:])
	return err
}

func readInt32s(r io.Reader, dst []int32) error {
	return binary.Read(r, byteOrder, dst)
}

func writeInt32s(w io.Writer, src []int32) error {
	return binary.Write(w, byteOrder, src)
}

func readFloat32s(r io.Reader, dst []float32) error {
	return binary.Read(r, byteOrder, dst)
}

func writeFloat32s(w io.Writer, src []float32) error {
	return binary.Write(w, byteOrder, src)
}

// saveAtomic writes whatever export produces to path via a temp file
// that is atomically renamed into place. Parent directories are
// created as needed.
func saveAtomic(path string, export func(w io.Writer) error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", path, err)
	}

	tmp, err := renameio.TempFile("", path)
	if err != nil {
		return err
	}
	defer tmp.Cleanup()

	wr := bufio.NewWriter(tmp)
	if err := export(wr); err != nil {
		return fmt.Errorf("exporting: %w", err)
	}
	if err := wr.Flush(); err != nil {
		return fmt.Errorf("flushing: %w", err)
	}
	if err := tmp.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("closing atomically: %w", err)
	}
	return nil
}
