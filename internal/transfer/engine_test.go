package transfer_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/itsdave-de/frappebr/internal/br"
	"github.com/itsdave-de/frappebr/internal/storage"
	"github.com/itsdave-de/frappebr/internal/testutil"
	"github.com/itsdave-de/frappebr/internal/transfer"
)

const (
	testHost  = "prod"
	remoteDir = "/home/frappe/frappe-bench/sites/erp.example.com/private/backups"
	chunk     = 1024
)

func newEngine(t *testing.T, remote *testutil.MemoryRemote) (*transfer.Engine, *storage.Store) {
	t.Helper()
	store, err := storage.NewStore(t.TempDir(), nil, "", nil)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	opts := transfer.Options{ChunkSize: chunk, MaxAttempts: 3, RetryDelay: 0}
	return transfer.NewEngine(remote, store, opts, nil, testutil.FixedClock()), store
}

func addRemote(remote *testutil.MemoryRemote, name string, size int) (*br.BackupRecord, []byte) {
	data := testutil.Bytes(size)
	p := remoteDir + "/" + name
	remote.AddFile(testHost, p, data)
	return br.NewBackupRecord(name, p, "erp.example.com", int64(size), time.Time{}), data
}

// recorder collects every Transferred value the observer sees.
type recorder struct {
	seen []int64
}

func (r *recorder) OnProgress(p *br.Progress) { r.seen = append(r.seen, p.Transferred()) }

func (r *recorder) assertIncreasing(t *testing.T, final int64) {
	t.Helper()
	if len(r.seen) == 0 {
		t.Fatal("observer never called")
	}
	for i := 1; i < len(r.seen); i++ {
		if r.seen[i] <= r.seen[i-1] {
			t.Fatalf("progress not strictly increasing: %v", r.seen)
		}
	}
	if got := r.seen[len(r.seen)-1]; got != final {
		t.Errorf("final progress = %d, want %d", got, final)
	}
}

func TestDownload(t *testing.T) {
	remote := testutil.NewMemoryRemote()
	engine, store := newEngine(t, remote)
	rec, data := addRemote(remote, "20250909_210113-erp_example_com-database.sql.gz", 5000)

	var obs recorder
	got, err := engine.Download(context.Background(), testHost, rec, "", &obs)
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	if want := filepath.Join(store.Root(), rec.Filename); got != want {
		t.Errorf("Download() = %q, want %q", got, want)
	}
	content, err := os.ReadFile(got)
	if err != nil {
		t.Fatalf("reading download: %v", err)
	}
	if !bytes.Equal(content, data) {
		t.Error("downloaded content differs from remote")
	}
	obs.assertIncreasing(t, 5000)
	if len(obs.seen) != 5 {
		t.Errorf("observer calls = %d, want 5 (one per chunk)", len(obs.seen))
	}
}

func TestDownload_LocalName(t *testing.T) {
	remote := testutil.NewMemoryRemote()
	engine, store := newEngine(t, remote)
	rec, _ := addRemote(remote, "20250909_210113-erp_example_com-files.tar", 100)

	got, err := engine.Download(context.Background(), testHost, rec, "../renamed.tar", nil)
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	if want := filepath.Join(store.Root(), "renamed.tar"); got != want {
		t.Errorf("Download() = %q, want %q", got, want)
	}
}

func TestDownload_IdempotentShortCircuit(t *testing.T) {
	remote := testutil.NewMemoryRemote()
	engine, _ := newEngine(t, remote)
	rec, _ := addRemote(remote, "20250909_210113-erp_example_com-database.sql.gz", 3000)
	ctx := context.Background()

	first, err := engine.Download(ctx, testHost, rec, "", nil)
	if err != nil {
		t.Fatalf("first Download() error = %v", err)
	}
	remote.Reset()

	var obs recorder
	second, err := engine.Download(ctx, testHost, rec, "", &obs)
	if err != nil {
		t.Fatalf("second Download() error = %v", err)
	}
	if second != first {
		t.Errorf("second Download() = %q, want %q", second, first)
	}
	if remote.ReadsOpened != 0 || remote.BytesRead != 0 {
		t.Errorf("second download read %d bytes over %d streams, want none", remote.BytesRead, remote.ReadsOpened)
	}
	if len(obs.seen) != 0 {
		t.Errorf("observer called %d times, want 0", len(obs.seen))
	}
}

func TestDownload_SizeUnavailable(t *testing.T) {
	remote := testutil.NewMemoryRemote()
	engine, store := newEngine(t, remote)
	rec, _ := addRemote(remote, "20250909_210113-erp_example_com-database.sql.gz", 100)
	remote.FailSize(testHost, rec.Filepath, errors.New("stat: permission denied"))

	_, err := engine.Download(context.Background(), testHost, rec, "", nil)
	if !errors.Is(err, br.ErrSizeUnavailable) {
		t.Fatalf("Download() error = %v, want ErrSizeUnavailable", err)
	}
	if remote.ReadsOpened != 0 {
		t.Errorf("ReadsOpened = %d, want 0", remote.ReadsOpened)
	}
	if _, err := os.Stat(store.Path(rec.Filename)); !os.IsNotExist(err) {
		t.Errorf("local file exists after size failure")
	}
}

func TestDownload_RetryExhausted(t *testing.T) {
	remote := testutil.NewMemoryRemote()
	engine, store := newEngine(t, remote)
	rec, _ := addRemote(remote, "20250909_210113-erp_example_com-database.sql.gz", 5000)
	remote.FailReadsAt(testHost, rec.Filepath, 2048, -1)

	_, err := engine.Download(context.Background(), testHost, rec, "", nil)
	if !errors.Is(err, br.ErrExhausted) {
		t.Fatalf("Download() error = %v, want ErrExhausted", err)
	}
	if !errors.Is(err, testutil.ErrInjected) {
		t.Errorf("Download() error = %v, want it to carry the last cause", err)
	}
	var terr *br.TransferError
	if !errors.As(err, &terr) {
		t.Fatalf("Download() error type = %T, want *br.TransferError", err)
	}
	if terr.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", terr.Attempts)
	}
	if terr.Transferred != 2048 {
		t.Errorf("Transferred = %d, want 2048", terr.Transferred)
	}
	if remote.ReadsOpened != 3 {
		t.Errorf("ReadsOpened = %d, want 3", remote.ReadsOpened)
	}
	if _, err := os.Stat(store.Path(rec.Filename)); !os.IsNotExist(err) {
		t.Errorf("partial file left at destination after exhaustion")
	}
}

func TestDownload_RetryRecovers(t *testing.T) {
	remote := testutil.NewMemoryRemote()
	engine, _ := newEngine(t, remote)
	rec, data := addRemote(remote, "20250909_210113-erp_example_com-database.sql.gz", 5000)
	remote.FailReadsAt(testHost, rec.Filepath, 2500, 1)

	var obs recorder
	got, err := engine.Download(context.Background(), testHost, rec, "", &obs)
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	content, _ := os.ReadFile(got)
	if !bytes.Equal(content, data) {
		t.Error("content differs after retry")
	}
	if remote.ReadsOpened != 2 {
		t.Errorf("ReadsOpened = %d, want 2", remote.ReadsOpened)
	}
	obs.assertIncreasing(t, 5000)
	// 1024, 2048, 2500 on the first attempt; the restart only reports
	// chunks past 2500.
	if want := []int64{1024, 2048, 2500, 3072, 4096, 5000}; len(obs.seen) != len(want) {
		t.Errorf("observer saw %v, want %v", obs.seen, want)
	}
}

func TestDownload_ZeroBytes(t *testing.T) {
	remote := testutil.NewMemoryRemote()
	engine, _ := newEngine(t, remote)
	rec, _ := addRemote(remote, "20250909_210113-erp_example_com-site_config_backup.json", 0)

	var pct []float64
	obs := br.ProgressFunc(func(p *br.Progress) { pct = append(pct, p.Percentage()) })
	got, err := engine.Download(context.Background(), testHost, rec, "", obs)
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	info, err := os.Stat(got)
	if err != nil || info.Size() != 0 {
		t.Fatalf("zero-byte download: info = %v, err = %v", info, err)
	}
	for _, p := range pct {
		if p != 0 {
			t.Errorf("Percentage() = %v, want 0 for zero-byte artifact", p)
		}
	}
}

func TestDownload_Cancelled(t *testing.T) {
	remote := testutil.NewMemoryRemote()
	engine, store := newEngine(t, remote)
	rec, data := addRemote(remote, "20250909_210113-erp_example_com-files.tar", 4096)
	ctx := context.Background()

	obs := br.ProgressFunc(func(p *br.Progress) { p.Cancel() })
	_, err := engine.Download(ctx, testHost, rec, "", obs)
	if !errors.Is(err, br.ErrCancelled) {
		t.Fatalf("Download() error = %v, want ErrCancelled", err)
	}
	if errors.Is(err, br.ErrExhausted) {
		t.Error("cancellation reported as exhaustion")
	}
	if remote.ReadsOpened != 1 {
		t.Errorf("ReadsOpened = %d, want 1 (no retry after cancel)", remote.ReadsOpened)
	}

	partial := store.Path(rec.Filename)
	info, err := os.Stat(partial)
	if err != nil {
		t.Fatalf("partial file removed after cancel: %v", err)
	}
	if info.Size() != chunk {
		t.Errorf("partial size = %d, want %d", info.Size(), chunk)
	}

	got, err := engine.Resume(ctx, testHost, rec, partial, nil)
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	content, _ := os.ReadFile(got)
	if !bytes.Equal(content, data) {
		t.Error("resumed content differs from remote")
	}
}

func TestDownload_ContextCancelled(t *testing.T) {
	remote := testutil.NewMemoryRemote()
	engine, _ := newEngine(t, remote)
	rec, _ := addRemote(remote, "20250909_210113-erp_example_com-files.tar", 4096)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := engine.Download(ctx, testHost, rec, "", nil)
	if !br.IsCancelled(err) {
		t.Fatalf("Download() error = %v, want ErrCancelled", err)
	}
}

func TestResume_ByteIdentical(t *testing.T) {
	const size = 5000
	for _, k := range []int{1, chunk - 1, chunk, 2500, size - 1} {
		remote := testutil.NewMemoryRemote()
		engine, store := newEngine(t, remote)
		rec, data := addRemote(remote, "20250909_210113-erp_example_com-database.sql.gz", size)
		ctx := context.Background()

		fresh, err := engine.Download(ctx, testHost, rec, "fresh.sql.gz", nil)
		if err != nil {
			t.Fatalf("k=%d: Download() error = %v", k, err)
		}
		want, _ := os.ReadFile(fresh)

		partial := store.Path(rec.Filename)
		if err := os.WriteFile(partial, data[:k], 0644); err != nil {
			t.Fatal(err)
		}
		remote.Reset()

		var obs recorder
		got, err := engine.Resume(ctx, testHost, rec, partial, &obs)
		if err != nil {
			t.Fatalf("k=%d: Resume() error = %v", k, err)
		}
		content, _ := os.ReadFile(got)
		if !bytes.Equal(content, want) {
			t.Errorf("k=%d: resumed file differs from fresh download", k)
		}
		if remote.BytesRead != int64(size-k) {
			t.Errorf("k=%d: BytesRead = %d, want %d", k, remote.BytesRead, size-k)
		}
		if obs.seen[0] != int64(k) {
			t.Errorf("k=%d: first progress = %d, want %d", k, obs.seen[0], k)
		}
		obs.assertIncreasing(t, size)
	}
}

func TestResume_MissingFileDownloads(t *testing.T) {
	remote := testutil.NewMemoryRemote()
	engine, store := newEngine(t, remote)
	rec, data := addRemote(remote, "20250909_210113-erp_example_com-database.sql.gz", 3000)

	target := store.Path("elsewhere.sql.gz")
	got, err := engine.Resume(context.Background(), testHost, rec, target, nil)
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if got != target {
		t.Errorf("Resume() = %q, want %q", got, target)
	}
	content, _ := os.ReadFile(got)
	if !bytes.Equal(content, data) {
		t.Error("content differs")
	}
}

func TestResume_InvalidState(t *testing.T) {
	remote := testutil.NewMemoryRemote()
	engine, store := newEngine(t, remote)
	rec, _ := addRemote(remote, "20250909_210113-erp_example_com-database.sql.gz", 100)

	local := store.Path(rec.Filename)
	original := testutil.Bytes(150)
	if err := os.WriteFile(local, original, 0644); err != nil {
		t.Fatal(err)
	}

	_, err := engine.Resume(context.Background(), testHost, rec, local, nil)
	if !errors.Is(err, br.ErrInvalidState) {
		t.Fatalf("Resume() error = %v, want ErrInvalidState", err)
	}
	content, _ := os.ReadFile(local)
	if !bytes.Equal(content, original) {
		t.Error("local file modified by failed resume")
	}
	if remote.ReadsOpened != 0 {
		t.Errorf("ReadsOpened = %d, want 0", remote.ReadsOpened)
	}
}

func TestResume_AlreadyComplete(t *testing.T) {
	remote := testutil.NewMemoryRemote()
	engine, store := newEngine(t, remote)
	rec, data := addRemote(remote, "20250909_210113-erp_example_com-database.sql.gz", 100)

	local := store.Path(rec.Filename)
	if err := os.WriteFile(local, data, 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := engine.Resume(context.Background(), testHost, rec, local, nil); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if remote.ReadsOpened != 0 {
		t.Errorf("ReadsOpened = %d, want 0", remote.ReadsOpened)
	}
}

func TestResume_RetryContinuesFromPartial(t *testing.T) {
	remote := testutil.NewMemoryRemote()
	engine, store := newEngine(t, remote)
	rec, data := addRemote(remote, "20250909_210113-erp_example_com-database.sql.gz", 5000)
	remote.FailReadsAt(testHost, rec.Filepath, 3000, 1)

	local := store.Path(rec.Filename)
	if err := os.WriteFile(local, data[:1000], 0644); err != nil {
		t.Fatal(err)
	}

	var obs recorder
	got, err := engine.Resume(context.Background(), testHost, rec, local, &obs)
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	content, _ := os.ReadFile(got)
	if !bytes.Equal(content, data) {
		t.Error("content differs")
	}
	if remote.ReadsOpened != 2 {
		t.Errorf("ReadsOpened = %d, want 2", remote.ReadsOpened)
	}
	if remote.BytesRead != 4000 {
		t.Errorf("BytesRead = %d, want 4000 (nothing re-read)", remote.BytesRead)
	}
	obs.assertIncreasing(t, 5000)
}

func TestResume_ExhaustedKeepsPartial(t *testing.T) {
	remote := testutil.NewMemoryRemote()
	engine, store := newEngine(t, remote)
	rec, data := addRemote(remote, "20250909_210113-erp_example_com-database.sql.gz", 5000)
	remote.FailReadsAt(testHost, rec.Filepath, 2000, -1)

	local := store.Path(rec.Filename)
	if err := os.WriteFile(local, data[:500], 0644); err != nil {
		t.Fatal(err)
	}

	_, err := engine.Resume(context.Background(), testHost, rec, local, nil)
	if !errors.Is(err, br.ErrExhausted) {
		t.Fatalf("Resume() error = %v, want ErrExhausted", err)
	}
	info, err := os.Stat(local)
	if err != nil {
		t.Fatalf("partial file removed: %v", err)
	}
	if info.Size() != 2000 {
		t.Errorf("partial size = %d, want 2000", info.Size())
	}
}

// staleSizeRemote reports a size that no longer matches what it serves, as
// when the artifact is rewritten between the stat and the end of the copy.
type staleSizeRemote struct {
	*testutil.MemoryRemote
	size int64
}

func (r *staleSizeRemote) FileSize(context.Context, string, string) (int64, error) {
	return r.size, nil
}

func newStaleEngine(t *testing.T, size int64) (*transfer.Engine, *storage.Store, *staleSizeRemote) {
	t.Helper()
	remote := &staleSizeRemote{MemoryRemote: testutil.NewMemoryRemote(), size: size}
	store, err := storage.NewStore(t.TempDir(), nil, "", nil)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	opts := transfer.Options{ChunkSize: chunk, MaxAttempts: 3}
	return transfer.NewEngine(remote, store, opts, nil, testutil.FixedClock()), store, remote
}

func TestDownload_RemoteSizeChanged(t *testing.T) {
	engine, store, remote := newStaleEngine(t, 4000)
	rec, _ := addRemote(remote.MemoryRemote, "20250909_210113-erp_example_com-database.sql.gz", 5000)

	_, err := engine.Download(context.Background(), testHost, rec, "", nil)
	if !errors.Is(err, br.ErrExhausted) {
		t.Fatalf("Download() error = %v, want ErrExhausted", err)
	}
	if !errors.Is(err, br.ErrVerificationFailed) {
		t.Errorf("Download() error = %v, want it to carry ErrVerificationFailed", err)
	}
	if remote.ReadsOpened != 3 {
		t.Errorf("ReadsOpened = %d, want 3", remote.ReadsOpened)
	}
	if _, err := os.Stat(store.Path(rec.Filename)); !os.IsNotExist(err) {
		t.Errorf("file left at destination after failed size checks")
	}
}

func TestResume_RemoteSizeChanged(t *testing.T) {
	engine, store, remote := newStaleEngine(t, 4000)
	rec, data := addRemote(remote.MemoryRemote, "20250909_210113-erp_example_com-database.sql.gz", 5000)

	local := store.Path(rec.Filename)
	if err := os.WriteFile(local, data[:1000], 0644); err != nil {
		t.Fatal(err)
	}

	_, err := engine.Resume(context.Background(), testHost, rec, local, nil)
	if !errors.Is(err, br.ErrExhausted) {
		t.Fatalf("Resume() error = %v, want ErrExhausted", err)
	}
	if errors.Is(err, br.ErrInvalidState) {
		t.Errorf("Resume() error = %v, want no ErrInvalidState", err)
	}
	if remote.ReadsOpened != 3 {
		t.Errorf("ReadsOpened = %d, want 3", remote.ReadsOpened)
	}
	content, err := os.ReadFile(local)
	if err != nil {
		t.Fatalf("partial file removed: %v", err)
	}
	if !bytes.Equal(content, data[:1000]) {
		t.Errorf("partial file = %d bytes, want the original 1000", len(content))
	}
}

func TestUpload(t *testing.T) {
	remote := testutil.NewMemoryRemote()
	remote.AddDir(testHost, "/srv")
	engine, _ := newEngine(t, remote)

	data := testutil.Bytes(3000)
	local := filepath.Join(t.TempDir(), "20250909_210113-erp_example_com-database.sql.gz")
	if err := os.WriteFile(local, data, 0644); err != nil {
		t.Fatal(err)
	}

	var obs recorder
	dest := "/srv/backups/erp/2025/20250909_210113-erp_example_com-database.sql.gz"
	if err := engine.Upload(context.Background(), testHost, local, dest, &obs); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}

	got, ok := remote.File(testHost, dest)
	if !ok || !bytes.Equal(got, data) {
		t.Error("remote content differs from local")
	}
	wantDirs := []string{"/srv/backups", "/srv/backups/erp", "/srv/backups/erp/2025"}
	if len(remote.Mkdirs) != len(wantDirs) {
		t.Fatalf("Mkdirs = %v, want %v", remote.Mkdirs, wantDirs)
	}
	for i := range wantDirs {
		if remote.Mkdirs[i] != wantDirs[i] {
			t.Errorf("Mkdirs[%d] = %q, want %q", i, remote.Mkdirs[i], wantDirs[i])
		}
	}
	obs.assertIncreasing(t, 3000)
}

func TestUpload_Retries(t *testing.T) {
	tests := []struct {
		name     string
		failures int
		wantErr  error
	}{
		{name: "recovers after one failure", failures: 1},
		{name: "exhausted", failures: 3, wantErr: br.ErrExhausted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			remote := testutil.NewMemoryRemote()
			remote.AddDir(testHost, "/srv/backups")
			engine, _ := newEngine(t, remote)
			remote.FailWrites(tt.failures)

			local := filepath.Join(t.TempDir(), "a.tar")
			if err := os.WriteFile(local, testutil.Bytes(2000), 0644); err != nil {
				t.Fatal(err)
			}

			err := engine.Upload(context.Background(), testHost, local, "/srv/backups/a.tar", nil)
			if tt.wantErr == nil && err != nil {
				t.Fatalf("Upload() error = %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("Upload() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestUpload_MissingLocal(t *testing.T) {
	remote := testutil.NewMemoryRemote()
	engine, _ := newEngine(t, remote)

	err := engine.Upload(context.Background(), testHost, filepath.Join(t.TempDir(), "nope.tar"), "/srv/nope.tar", nil)
	if !errors.Is(err, br.ErrSizeUnavailable) {
		t.Fatalf("Upload() error = %v, want ErrSizeUnavailable", err)
	}
}

func TestListLocalSets(t *testing.T) {
	remote := testutil.NewMemoryRemote()
	engine, store := newEngine(t, remote)

	files := map[string][]byte{
		"20250909_210113-erp_example_com-database.sql.gz": testutil.Bytes(10),
		"20250909_210113-erp_example_com-files.tar":       testutil.Bytes(20),
		"20250910_010000-erp_example_com-database.sql.gz": testutil.Bytes(5),
		"notes.txt": []byte("x"),
	}
	for name, data := range files {
		if err := os.WriteFile(store.Path(name), data, 0644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(store.Path("20250911_000000-subdir"), 0755); err != nil {
		t.Fatal(err)
	}

	sets, err := engine.ListLocalSets()
	if err != nil {
		t.Fatalf("ListLocalSets() error = %v", err)
	}
	if len(sets) != 3 {
		t.Fatalf("len(sets) = %d, want 3", len(sets))
	}
	s := sets["20250909_210113"]
	if s == nil {
		t.Fatal("missing set 20250909_210113")
	}
	if s.Type != br.TypeComplete {
		t.Errorf("Type = %q, want %q", s.Type, br.TypeComplete)
	}
	if s.TotalSizeBytes != 30 {
		t.Errorf("TotalSizeBytes = %d, want 30", s.TotalSizeBytes)
	}
	for _, f := range s.Files {
		if f.ContentHash != testutil.MD5Hex(files[f.Filename]) {
			t.Errorf("ContentHash(%s) = %q, want md5 of content", f.Filename, f.ContentHash)
		}
	}
	if sets["notes.txt"] == nil {
		t.Error("unparseable file dropped instead of becoming a singleton set")
	}
}
