package docker

import (
	"archive/tar"
	"bytes"
	"fmt"
	"path"
	"path/filepath"
	"sort"
	"time"
)

// Owner of every file copied into a container. Exec runs as this user.
const (
	unitUID  = 65534
	unitUser = "65534:65534"
)

// buildArchive packs dirs and files into a tar rooted at "/". File names are
// relative to root and must stay inside it.
func buildArchive(root string, dirs []string, files map[string][]byte) (*bytes.Buffer, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	mtime := time.Unix(0, 0)

	for _, d := range dirs {
		hdr := &tar.Header{
			Typeflag: tar.TypeDir,
			Name:     trimRoot(d) + "/",
			Mode:     0o777,
			Uid:      unitUID,
			Gid:      unitUID,
			ModTime:  mtime,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, err
		}
	}

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if !filepath.IsLocal(name) {
			return nil, fmt.Errorf("file %q escapes the code directory", name)
		}
		data := files[name]
		hdr := &tar.Header{
			Typeflag: tar.TypeReg,
			Name:     path.Join(trimRoot(root), filepath.ToSlash(name)),
			Mode:     0o644,
			Size:     int64(len(data)),
			Uid:      unitUID,
			Gid:      unitUID,
			ModTime:  mtime,
		}
		if err := tw.WriteHeader(hdr); err != nil {
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

func trimRoot(p string) string {
	for len(p) > 0 && p[0] == '/' {
		p = p[1:]
	}
	return p
}
