package backend

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// WriteFiles writes files into dir, creating parent directories. Every path
// must be local to dir.
func WriteFiles(dir string, files map[string][]byte) error {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if !filepath.IsLocal(name) {
			return fmt.Errorf("path %q escapes work directory", name)
		}
		full := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return fmt.Errorf("create parent of %s: %w", name, err)
		}
		if err := os.WriteFile(full, files[name], 0o644); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}
	return nil
}

// ResolveCommand rewrites argv entries naming a loaded file into absolute
// paths under dir.
func ResolveCommand(dir string, spec LoadSpec) []string {
	argv := make([]string, len(spec.Command))
	for i, arg := range spec.Command {
		if _, ok := spec.Files[arg]; ok && i > 0 {
			argv[i] = filepath.Join(dir, arg)
			continue
		}
		argv[i] = arg
	}
	return argv
}

// LimitedBuffer is a concurrency-safe bytes.Buffer that silently discards
// writes beyond Max bytes.
type LimitedBuffer struct {
	Max int

	mu        sync.Mutex
	buf       bytes.Buffer
	truncated bool
}

func (b *LimitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	room := b.Max - b.buf.Len()
	if room <= 0 {
		b.truncated = len(p) > 0 || b.truncated
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

// Bytes returns a copy of the buffered data.
func (b *LimitedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return bytes.Clone(b.buf.Bytes())
}

// Truncated reports whether any write was cut short.
func (b *LimitedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}
