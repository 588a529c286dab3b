// Copyright (c) 2016-2019 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package diskio maps a torrent's flat piece address space onto the files
// that back it on disk, and performs the actual reads and writes off the
// event loop goroutine.
//
// A torrent's data is addressed as one contiguous byte range; on disk it
// may be split across many files (the multi-file case). Backend walks a
// prefix sum of file lengths to translate an (offset, length) range into
// the individual file slices it touches, the same way a single-file read
// or write naturally falls within file boundaries.
package diskio

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dhagan/peerwire/core"
)

// fileEntry is one backing file and its position in the flat torrent
// address space.
type fileEntry struct {
	absPath string
	length  int64
	start   int64 // offset of this file's first byte in the flat address space
}

// Backend owns the backing files for a single torrent. Calls are not
// serialized against each other: each Read/Write runs on its own
// goroutine. It is safe to call Read/Write from any goroutine; completions
// are always delivered via the supplied callback from a background
// goroutine, never synchronously, so a caller embedding Backend in a
// single-threaded event loop must re-enter that loop from the callback
// itself (for example by sending an event over a channel the loop selects
// on) rather than touching loop state directly.
type Backend struct {
	dir   string
	files []fileEntry
	lockF *os.File
	total int64
}

// ErrOutOfRange is returned when a request addresses bytes past the end of
// the torrent's flat address space.
var ErrOutOfRange = core.NewFileError("diskio: request out of range")

// Open opens (creating if necessary) the backing files for mi under dir,
// taking an exclusive non-blocking lock on the torrent's directory so two
// processes never operate on the same torrent concurrently.
//
// Single-file torrents are stored as dir/<name>/<name>, not directly at
// dir/<name>; multi-file torrents are
// stored under dir/<name>/<path...> per the file's declared path. Every
// resolved path is required to stay within dir/<name> — a path containing
// ".." or an absolute component is rejected as unsafe rather than silently
// clamped.
func Open(dir string, mi *core.MetaInfo) (*Backend, error) {
	root := filepath.Join(dir, mi.Name())
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, core.NewFileError("diskio: create root %s: %s", root, err)
	}

	lockF, err := acquireLock(root)
	if err != nil {
		return nil, err
	}

	b := &Backend{dir: root, lockF: lockF}
	var offset int64
	for _, f := range mi.Files() {
		abs, err := safeJoin(root, f.Path)
		if err != nil {
			lockF.Close()
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
			lockF.Close()
			return nil, core.NewFileError("diskio: create dir for %s: %s", abs, err)
		}
		if err := ensureFile(abs, f.Length); err != nil {
			lockF.Close()
			return nil, err
		}
		b.files = append(b.files, fileEntry{absPath: abs, length: f.Length, start: offset})
		offset += f.Length
	}
	b.total = offset
	return b, nil
}

// Close releases the directory lock. It does not remove any files.
func (b *Backend) Close() error {
	return b.lockF.Close()
}

func acquireLock(root string) (*os.File, error) {
	path := filepath.Join(root, ".lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, core.NewFileError("diskio: open lockfile %s: %s", path, err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return nil, core.NewFileError("diskio: %s is locked by another process", root)
	}
	return f, nil
}

// safeJoin joins root with the path components of a metainfo file entry,
// rejecting any component that would escape root once cleaned.
func safeJoin(root string, parts []string) (string, error) {
	if len(parts) == 0 {
		return "", core.NewFileError("diskio: empty file path")
	}
	for _, p := range parts {
		if p == "" || p == "." || p == ".." || filepath.IsAbs(p) {
			return "", core.NewFileError("diskio: unsafe path component %q", p)
		}
	}
	joined := filepath.Join(append([]string{root}, parts...)...)
	cleanRoot := filepath.Clean(root) + string(filepath.Separator)
	if !strings.HasPrefix(joined+string(filepath.Separator), cleanRoot) {
		return "", core.NewFileError("diskio: path %q escapes torrent root", filepath.Join(parts...))
	}
	return joined, nil
}

func ensureFile(path string, length int64) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return core.NewFileError("diskio: create %s: %s", path, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return core.NewFileError("diskio: stat %s: %s", path, err)
	}
	if info.Size() < length {
		if err := f.Truncate(length); err != nil {
			return core.NewFileError("diskio: truncate %s: %s", path, err)
		}
	}
	return nil
}

// span is one file's contribution to a (offset, length) request.
type span struct {
	entry      *fileEntry
	fileOffset int64
	length     int64
	bufOffset  int64
}

// resolve walks the file-length prefix sum to split [offset, offset+length)
// into per-file spans, the same boundary-crossing walk a single-file
// ReadAt/WriteAt performs implicitly.
func (b *Backend) resolve(offset, length int64) ([]span, error) {
	if offset < 0 || length < 0 || offset+length > b.total {
		return nil, ErrOutOfRange
	}
	var spans []span
	remaining := length
	pos := offset
	bufOff := int64(0)
	for i := range b.files {
		e := &b.files[i]
		fileEnd := e.start + e.length
		if pos >= fileEnd {
			continue
		}
		if remaining == 0 {
			break
		}
		inFileOffset := pos - e.start
		n := e.length - inFileOffset
		if n > remaining {
			n = remaining
		}
		spans = append(spans, span{entry: e, fileOffset: inFileOffset, length: n, bufOffset: bufOff})
		pos += n
		bufOff += n
		remaining -= n
	}
	if remaining != 0 {
		return nil, ErrOutOfRange
	}
	return spans, nil
}

// IORequest is one read or write against the torrent's flat address space.
// Offset and the length of Buf describe the range; Failed and Err are
// filled in once the request completes.
type IORequest struct {
	Offset int64
	Buf    []byte
	Failed bool
	Err    error
}

// Read schedules a batch of reads and invokes callback, from a background
// goroutine, once every request in the batch has completed (successfully
// or not). Requests within a batch run in the order given.
func (b *Backend) Read(reqs []*IORequest, callback func([]*IORequest)) {
	go func() {
		for _, r := range reqs {
			b.readOne(r)
		}
		callback(reqs)
	}()
}

// Write schedules a batch of writes and invokes callback, from a
// background goroutine, once every request in the batch has completed.
func (b *Backend) Write(reqs []*IORequest, callback func([]*IORequest)) {
	go func() {
		for _, r := range reqs {
			b.writeOne(r)
		}
		callback(reqs)
	}()
}

func (b *Backend) readOne(r *IORequest) {
	spans, err := b.resolve(r.Offset, int64(len(r.Buf)))
	if err != nil {
		r.Failed = true
		r.Err = err
		return
	}
	for _, s := range spans {
		if err := readSpan(s, r.Buf); err != nil {
			r.Failed = true
			r.Err = err
			return
		}
	}
}

func readSpan(s span, buf []byte) error {
	f, err := os.Open(s.entry.absPath)
	if err != nil {
		return core.NewFileError("diskio: open %s: %s", s.entry.absPath, err)
	}
	defer f.Close()

	dst := buf[s.bufOffset : s.bufOffset+s.length]
	n, err := f.ReadAt(dst, s.fileOffset)
	if err != nil && !(err == io.EOF && int64(n) == s.length) {
		return core.NewFileError("diskio: read %s at %d: %s", s.entry.absPath, s.fileOffset, err)
	}
	return nil
}

func (b *Backend) writeOne(r *IORequest) {
	spans, err := b.resolve(r.Offset, int64(len(r.Buf)))
	if err != nil {
		r.Failed = true
		r.Err = err
		return
	}
	for _, s := range spans {
		if err := writeSpan(s, r.Buf); err != nil {
			r.Failed = true
			r.Err = err
			return
		}
	}
}

func writeSpan(s span, buf []byte) error {
	f, err := os.OpenFile(s.entry.absPath, os.O_WRONLY, 0644)
	if err != nil {
		return core.NewFileError("diskio: open %s: %s", s.entry.absPath, err)
	}
	defer f.Close()

	src := buf[s.bufOffset : s.bufOffset+s.length]
	if _, err := f.WriteAt(src, s.fileOffset); err != nil {
		return core.NewFileError("diskio: write %s at %d: %s", s.entry.absPath, s.fileOffset, err)
	}
	return nil
}
