package classifier

import (
	"archive/tar"
	"archive/zip"
	"bufio"
	"bytes"
	"compress/bzip2"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"forksentry/logger"
	"forksentry/utils"

	"github.com/bodgit/sevenzip"
	"github.com/ulikunitz/xz"
)

var (
	errMemberBudget = errors.New("archive member limit reached")
	errByteBudget   = errors.New("archive size limit reached")
)

type extracted struct {
	name     string
	diskPath string
}

// memberFunc receives each regular member of an archive in order.
type memberFunc func(name string, r io.Reader) error

func (in *Inspector) extract(ctx context.Context, content []byte, dir string, b *budget) ([]extracted, error) {
	var files []extracted
	index := 0
	err := walkArchive(content, in.opts.MaxExtractedBytes, func(name string, r io.Reader) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		name = strings.TrimPrefix(path.Clean("/"+strings.ReplaceAll(name, `\`, "/")), "/")
		if name == "" || name == "." {
			return nil
		}
		if b.members <= 0 {
			return errMemberBudget
		}
		target, err := utils.SafeJoin(filepath.Join(dir, strconv.Itoa(index)), name)
		if err != nil {
			logger.Warnf("Refusing archive member: %v", err)
			return nil
		}
		index++
		b.members--
		written, err := writeMember(target, r, min(b.bytes, in.opts.MaxMemberSize))
		b.bytes -= written
		if err != nil {
			_ = os.Remove(target)
			if errors.Is(err, errByteBudget) && b.bytes > 0 {
				// Only this member was oversized.
				return nil
			}
			return err
		}
		files = append(files, extracted{name: name, diskPath: target})
		return nil
	})
	return files, err
}

func writeMember(target string, r io.Reader, limit int64) (int64, error) {
	if limit <= 0 {
		return 0, errByteBudget
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
		return 0, err
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(f, io.LimitReader(r, limit+1))
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return n, err
	}
	if n > limit {
		return limit, errByteBudget
	}
	return n, nil
}

// walkArchive dispatches on the detected container format. Single-stream
// compressors that wrap a tarball are walked as that tarball; otherwise the
// decompressed stream is a single member.
func walkArchive(content []byte, maxBytes int64, fn memberFunc) error {
	kind, ok := archiveKind(content)
	if !ok {
		return fmt.Errorf("unsupported archive format")
	}
	switch kind {
	case "application/zip":
		return walkZip(content, fn)
	case "application/x-tar":
		return walkTar(bytes.NewReader(content), fn)
	case "application/x-7z-compressed":
		return walkSevenZip(content, fn)
	case "application/x-unix-archive", "application/vnd.debian.binary-package":
		return walkAr(bytes.NewReader(content), fn)
	case "application/gzip":
		zr, err := gzip.NewReader(bytes.NewReader(content))
		if err != nil {
			return err
		}
		defer zr.Close()
		name := zr.Name
		if name == "" {
			name = "payload"
		}
		return walkStream(zr, name, maxBytes, fn)
	case "application/x-bzip2":
		return walkStream(bzip2.NewReader(bytes.NewReader(content)), "payload", maxBytes, fn)
	case "application/x-xz":
		xr, err := xz.NewReader(bytes.NewReader(content))
		if err != nil {
			return err
		}
		return walkStream(xr, "payload", maxBytes, fn)
	}
	return fmt.Errorf("unsupported archive format %s", kind)
}

func walkStream(r io.Reader, name string, maxBytes int64, fn memberFunc) error {
	br := bufio.NewReaderSize(r, 1024)
	if head, _ := br.Peek(512); isTar(head) {
		return walkTar(br, fn)
	}
	if maxBytes > 0 {
		return fn(name, io.LimitReader(br, maxBytes+1))
	}
	return fn(name, br)
}

func isTar(head []byte) bool {
	return len(head) >= 262 && bytes.Equal(head[257:262], []byte("ustar"))
}

func walkTar(r io.Reader, fn memberFunc) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil && !(errors.Is(err, tar.ErrInsecurePath) && hdr != nil) {
			return err
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		if err := fn(hdr.Name, tr); err != nil {
			return err
		}
	}
}

func walkZip(content []byte, fn memberFunc) error {
	// Non-local names are rooted by the caller.
	zr, err := zip.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil && !errors.Is(err, zip.ErrInsecurePath) {
		return err
	}
	for _, f := range zr.File {
		if !f.Mode().IsRegular() {
			continue
		}
		if err := openAndVisit(f.Name, f.Open, fn); err != nil {
			return err
		}
	}
	return nil
}

func walkSevenZip(content []byte, fn memberFunc) error {
	sr, err := sevenzip.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return err
	}
	for _, f := range sr.File {
		if !f.FileInfo().Mode().IsRegular() {
			continue
		}
		if err := openAndVisit(f.Name, f.Open, fn); err != nil {
			return err
		}
	}
	return nil
}

func openAndVisit(name string, open func() (io.ReadCloser, error), fn memberFunc) error {
	rc, err := open()
	if err != nil {
		return err
	}
	defer rc.Close()
	return fn(name, rc)
}

const (
	arMagic      = "!<arch>\n"
	arHeaderSize = 60
)

// walkAr reads the common unix ar format used by static libraries and .deb
// packages. GNU long-name tables are honoured; BSD "#1/" names are inline.
func walkAr(r io.Reader, fn memberFunc) error {
	br := bufio.NewReader(r)
	magic := make([]byte, len(arMagic))
	if _, err := io.ReadFull(br, magic); err != nil || string(magic) != arMagic {
		return fmt.Errorf("invalid ar header")
	}
	var longNames []byte
	hdr := make([]byte, arHeaderSize)
	for {
		if _, err := io.ReadFull(br, hdr); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		size, err := strconv.ParseInt(strings.TrimSpace(string(hdr[48:58])), 10, 64)
		if err != nil || size < 0 {
			return fmt.Errorf("invalid ar member size")
		}
		name := strings.TrimSpace(string(hdr[0:16]))
		body := io.LimitReader(br, size)
		switch {
		case name == "//":
			longNames, err = io.ReadAll(body)
			if err != nil {
				return err
			}
		case name == "/" || name == "/SYM64/" || name == "__.SYMDEF" || name == "__.SYMDEF SORTED":
			// symbol tables
		case strings.HasPrefix(name, "#1/"):
			n, err := strconv.Atoi(name[3:])
			if err != nil || int64(n) > size {
				return fmt.Errorf("invalid ar long name")
			}
			raw := make([]byte, n)
			if _, err := io.ReadFull(body, raw); err != nil {
				return err
			}
			if err := fn(strings.TrimRight(string(raw), "\x00"), body); err != nil {
				return err
			}
		default:
			if strings.HasPrefix(name, "/") && longNames != nil {
				if off, err := strconv.Atoi(name[1:]); err == nil && off < len(longNames) {
					name = string(longNames[off:])
					if end := strings.IndexAny(name, "/\n"); end >= 0 {
						name = name[:end]
					}
				}
			}
			if err := fn(strings.TrimSuffix(name, "/"), body); err != nil {
				return err
			}
		}
		if _, err := io.Copy(io.Discard, body); err != nil {
			return err
		}
		if size%2 == 1 {
			if _, err := br.Discard(1); err != nil && err != io.EOF {
				return err
			}
		}
	}
}
