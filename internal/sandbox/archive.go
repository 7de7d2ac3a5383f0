package sandbox

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"
)

// sandboxUID is the uid/gid of "nobody" in the Debian based language images.
const sandboxUID = 65534

var errNoFiles = errors.New("no files to copy")

// buildArchive packs the named files from hostDir into a tar stream rooted
// at WorkDir. The directory is world-writable so compilers running as an
// unprivileged user can write their artifacts next to the source.
func buildArchive(hostDir string, names ...string) (io.Reader, error) {
	if len(names) == 0 {
		return nil, errNoFiles
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	now := time.Now()
	dir := path.Base(WorkDir)

	if err := tw.WriteHeader(&tar.Header{
		Typeflag: tar.TypeDir,
		Name:     dir + "/",
		Mode:     0o777,
		Uid:      sandboxUID,
		Gid:      sandboxUID,
		ModTime:  now,
	}); err != nil {
		return nil, err
	}

	for _, name := range names {
		if name != filepath.Base(name) {
			return nil, fmt.Errorf("file %q must be a plain name", name)
		}
		data, err := os.ReadFile(filepath.Join(hostDir, name))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		if err := tw.WriteHeader(&tar.Header{
			Typeflag: tar.TypeReg,
			Name:     path.Join(dir, name),
			Mode:     0o644,
			Size:     int64(len(data)),
			Uid:      sandboxUID,
			Gid:      sandboxUID,
			ModTime:  now,
		}); err != nil {
			return nil, err
		}
		if _, err := tw.Write(data); err != nil {
			return nil, err
		}
	}

	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}
