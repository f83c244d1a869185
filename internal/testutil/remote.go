package testutil

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/itsdave-de/frappebr/internal/br"
)

// ErrInjected is returned by injected read and write faults.
var ErrInjected = errors.New("injected fault")

// RemoteFile is one file held by MemoryRemote.
type RemoteFile struct {
	Content []byte

	// failAt makes read streams fail once they reach this absolute offset.
	// -1 disables it. failTimes counts remaining failing streams; -1 means forever.
	failAt    int64
	failTimes int

	sizeErr error
}

// MemoryRemote is an in-memory br.RemoteExecutor. Files, directories and
// command responses are keyed by host. Safe for concurrent use.
type MemoryRemote struct {
	mu        sync.Mutex
	files     map[string]*RemoteFile
	dirs      map[string]bool
	responses []response

	writeFailures int

	// Counters for assertions.
	Executed    []string
	Mkdirs      []string
	ReadsOpened int
	BytesRead   int64
}

type response struct {
	host     string
	contains string
	result   br.CommandResult
}

var _ br.RemoteExecutor = (*MemoryRemote)(nil)

func NewMemoryRemote() *MemoryRemote {
	return &MemoryRemote{
		files: make(map[string]*RemoteFile),
		dirs:  make(map[string]bool),
	}
}

func key(host, p string) string { return host + ":" + path.Clean(p) }

// AddFile stores content at host:p and creates its parent directories.
func (m *MemoryRemote) AddFile(host, p string, content []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[key(host, p)] = &RemoteFile{Content: content, failAt: -1}
	m.addDirLocked(host, path.Dir(p))
}

// AddDir creates host:p and its parents.
func (m *MemoryRemote) AddDir(host, p string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addDirLocked(host, p)
}

func (m *MemoryRemote) addDirLocked(host, p string) {
	for p = path.Clean(p); ; p = path.Dir(p) {
		m.dirs[key(host, p)] = true
		if p == "/" || p == "." {
			return
		}
	}
}

// File returns a copy of the content at host:p.
func (m *MemoryRemote) File(host, p string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[key(host, p)]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), f.Content...), true
}

// HasDir reports whether host:p exists as a directory.
func (m *MemoryRemote) HasDir(host, p string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dirs[key(host, p)]
}

// FailReadsAt makes the next times read streams of host:p fail when they
// reach absolute offset at. times < 0 fails every stream.
func (m *MemoryRemote) FailReadsAt(host, p string, at int64, times int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := m.files[key(host, p)]
	f.failAt = at
	f.failTimes = times
}

// FailSize makes FileSize for host:p return err.
func (m *MemoryRemote) FailSize(host, p string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[key(host, p)].sizeErr = err
}

// FailWrites makes the next n write streams fail on their first write.
func (m *MemoryRemote) FailWrites(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeFailures = n
}

// Respond registers a canned result for commands on host containing the
// substring. The first matching registration wins. host "" matches any host.
func (m *MemoryRemote) Respond(host, contains string, exitCode int, stdout, stderr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, response{
		host:     host,
		contains: contains,
		result:   br.CommandResult{ExitCode: exitCode, Stdout: stdout, Stderr: stderr},
	})
}

// Execute answers from the registered responses. Unmatched commands exit 127.
func (m *MemoryRemote) Execute(ctx context.Context, host, command string) (*br.CommandResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Executed = append(m.Executed, command)
	for _, r := range m.responses {
		if (r.host == "" || r.host == host) && strings.Contains(command, r.contains) {
			res := r.result
			return &res, nil
		}
	}
	return &br.CommandResult{ExitCode: 127, Stderr: "command not found"}, nil
}

func (m *MemoryRemote) FileExists(ctx context.Context, host, p string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(host, p)
	_, isFile := m.files[k]
	return isFile || m.dirs[k], nil
}

func (m *MemoryRemote) FileSize(ctx context.Context, host, p string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[key(host, p)]
	if !ok {
		return 0, fmt.Errorf("stat %s: no such file", p)
	}
	if f.sizeErr != nil {
		return 0, f.sizeErr
	}
	return int64(len(f.Content)), nil
}

func (m *MemoryRemote) OpenReadStream(ctx context.Context, host, p string, offset int64) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[key(host, p)]
	if !ok {
		return nil, fmt.Errorf("open %s: no such file", p)
	}
	if offset < 0 || offset > int64(len(f.Content)) {
		return nil, fmt.Errorf("seek %s: offset %d out of range", p, offset)
	}
	m.ReadsOpened++

	failAt := int64(-1)
	if f.failAt >= 0 && f.failTimes != 0 {
		failAt = f.failAt
		if f.failTimes > 0 {
			f.failTimes--
		}
	}
	return &memReader{
		remote: m,
		data:   append([]byte(nil), f.Content...),
		pos:    offset,
		failAt: failAt,
	}, nil
}

type memReader struct {
	remote *MemoryRemote
	data   []byte
	pos    int64
	failAt int64
}

func (r *memReader) Read(p []byte) (int, error) {
	if r.failAt >= 0 && r.pos >= r.failAt {
		return 0, ErrInjected
	}
	if r.pos >= int64(len(r.data)) {
		return 0, io.EOF
	}
	end := int64(len(r.data))
	if r.failAt >= 0 && r.failAt < end {
		end = r.failAt
	}
	if max := r.pos + int64(len(p)); max < end {
		end = max
	}
	n := copy(p, r.data[r.pos:end])
	r.pos += int64(n)

	r.remote.mu.Lock()
	r.remote.BytesRead += int64(n)
	r.remote.mu.Unlock()
	return n, nil
}

func (r *memReader) Close() error { return nil }

func (m *MemoryRemote) OpenWriteStream(ctx context.Context, host, p string) (io.WriteCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.dirs[key(host, path.Dir(p))] {
		return nil, fmt.Errorf("create %s: parent directory does not exist", p)
	}
	fail := false
	if m.writeFailures > 0 {
		m.writeFailures--
		fail = true
	}
	f := &RemoteFile{failAt: -1}
	m.files[key(host, p)] = f
	return &memWriter{remote: m, file: f, fail: fail}, nil
}

type memWriter struct {
	remote *MemoryRemote
	file   *RemoteFile
	fail   bool
}

func (w *memWriter) Write(p []byte) (int, error) {
	if w.fail {
		return 0, ErrInjected
	}
	w.remote.mu.Lock()
	defer w.remote.mu.Unlock()
	w.file.Content = append(w.file.Content, p...)
	return len(p), nil
}

func (w *memWriter) Close() error { return nil }

// EnsureDirectory creates the missing tail of p, recording each created
// directory in Mkdirs from the shallowest down.
func (m *MemoryRemote) EnsureDirectory(ctx context.Context, host, p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var missing []string
	for p = path.Clean(p); !m.dirs[key(host, p)]; p = path.Dir(p) {
		if _, isFile := m.files[key(host, p)]; isFile {
			return fmt.Errorf("mkdir %s: not a directory", p)
		}
		missing = append(missing, p)
		if p == "/" || p == "." {
			break
		}
	}
	sort.Slice(missing, func(i, j int) bool { return len(missing[i]) < len(missing[j]) })
	for _, d := range missing {
		m.dirs[key(host, d)] = true
		m.Mkdirs = append(m.Mkdirs, d)
	}
	return nil
}

// Reset clears the assertion counters.
func (m *MemoryRemote) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Executed = nil
	m.Mkdirs = nil
	m.ReadsOpened = 0
	m.BytesRead = 0
}

// Bytes returns n deterministic bytes for test payloads.
func Bytes(n int) []byte {
	b := bytes.Repeat([]byte("frappe-backup-"), n/14+1)
	for i := range b {
		b[i] ^= byte(i / 251)
	}
	return b[:n]
}
