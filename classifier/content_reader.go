package classifier

import (
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/exp/mmap"
)

// ErrTooLarge is returned when content exceeds the configured artifact size.
var ErrTooLarge = errors.New("content exceeds size limit")

var openMmapReader = mmap.Open

const defaultMmapMinSize = 128 * 1024

// ReadFile loads path fully. Files at or above mmapMinSize are read through a
// memory map and fall back to buffered reads if mapping fails.
func ReadFile(path string, maxSize, mmapMinSize int64) ([]byte, error) {
	if mmapMinSize <= 0 {
		mmapMinSize = defaultMmapMinSize
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if maxSize > 0 && info.Size() > maxSize {
		return nil, fmt.Errorf("%s: %w (%d > %d)", path, ErrTooLarge, info.Size(), maxSize)
	}
	if info.Size() >= mmapMinSize {
		content, err := readFileMmap(path, info.Size())
		if err == nil {
			return content, nil
		}
	}
	return readFileStream(path, info.Size(), maxSize)
}

func readFileMmap(path string, size int64) ([]byte, error) {
	r, err := openMmapReader(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	if size <= 0 || int64(r.Len()) < size {
		size = int64(r.Len())
	}
	buf := make([]byte, size)
	if size == 0 {
		return buf, nil
	}
	if _, err := r.ReadAt(buf, 0); err != nil && err != io.EOF {
		return nil, err
	}
	return buf, nil
}

func readFileStream(path string, sizeHint, maxSize int64) ([]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var r io.Reader = file
	if maxSize > 0 {
		r = io.LimitReader(file, maxSize+1)
	}
	content := make([]byte, 0, max(sizeHint, 0))
	buffer := make([]byte, 256*1024)
	for {
		n, err := r.Read(buffer)
		if n > 0 {
			content = append(content, buffer[:n]...)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	if maxSize > 0 && int64(len(content)) > maxSize {
		return nil, fmt.Errorf("%s: %w", path, ErrTooLarge)
	}
	return content, nil
}
