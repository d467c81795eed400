package pipeline

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"gamdam/internal/annex"
	"gamdam/internal/config"
	"gamdam/internal/download"
	"gamdam/internal/logging"
	"gamdam/internal/relpath"
)

type sliceSource struct {
	items []download.Item
	pos   int
}

func (s *sliceSource) Next() (download.Item, error) {
	if s.pos >= len(s.items) {
		return download.Item{}, io.EOF
	}
	it := s.items[s.pos]
	s.pos++
	return it, nil
}

// stubDownloader echoes a scripted completion for every submission once the
// input side is closed, mimicking the real worker's half-close protocol.
type stubDownloader struct {
	mu        sync.Mutex
	submitted []string
	failures  map[string][]string
	keyless   map[string]bool
	swallow   map[string]bool
	extra     []annex.Completion
	pending   chan annex.Completion
	closed    chan struct{}
	closeOnce sync.Once
	killed    bool
}

func newStubDownloader() *stubDownloader {
	return &stubDownloader{
		failures: make(map[string][]string),
		keyless:  make(map[string]bool),
		swallow:  make(map[string]bool),
		pending:  make(chan annex.Completion, 64),
		closed:   make(chan struct{}),
	}
}

func (d *stubDownloader) Submit(url string, path relpath.Path) error {
	d.mu.Lock()
	d.submitted = append(d.submitted, url+" "+path.String())
	d.mu.Unlock()
	if d.swallow[path.String()] {
		return nil
	}
	c := annex.Completion{File: path, Success: true, Key: "SHA256E-s100--" + path.String()}
	if msgs, ok := d.failures[path.String()]; ok {
		c = annex.Completion{File: path, Success: false, ErrorMessages: msgs}
	}
	if d.keyless[path.String()] {
		c.Key = ""
	}
	d.pending <- c
	return nil
}

func (d *stubDownloader) CloseInput() error {
	d.closeOnce.Do(func() {
		for _, c := range d.extra {
			d.pending <- c
		}
		close(d.closed)
	})
	return nil
}

func (d *stubDownloader) Next() (annex.Completion, error) {
	select {
	case c := <-d.pending:
		return c, nil
	case <-d.closed:
		select {
		case c := <-d.pending:
			return c, nil
		default:
			return annex.Completion{}, io.EOF
		}
	}
}

func (d *stubDownloader) Shutdown(time.Duration) error { return nil }

func (d *stubDownloader) Kill() {
	d.mu.Lock()
	d.killed = true
	d.mu.Unlock()
}

func (d *stubDownloader) submissions() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.submitted))
	copy(out, d.submitted)
	return out
}

type stubTooling struct {
	mu          sync.Mutex
	metadata    map[string]map[string][]string
	registered  []string
	metadataErr map[string]error
	registerErr map[string]error
}

func newStubTooling() *stubTooling {
	return &stubTooling{
		metadata:    make(map[string]map[string][]string),
		metadataErr: make(map[string]error),
		registerErr: make(map[string]error),
	}
}

func (s *stubTooling) SetMetadata(_ context.Context, file relpath.Path, fields map[string][]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.metadataErr[file.String()]; err != nil {
		return err
	}
	s.metadata[file.String()] = fields
	return nil
}

func (s *stubTooling) RegisterURL(_ context.Context, key, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.registerErr[url]; err != nil {
		return err
	}
	s.registered = append(s.registered, key+" "+url)
	return nil
}

func runBatch(t *testing.T, items []download.Item, dl *stubDownloader, tool *stubTooling) (*Report, error) {
	t.Helper()
	cfg := config.Default()
	cfg.Downloads.Jobs = 2
	p := New(&cfg, logging.NewNop(), dl, tool)
	return p.Run(context.Background(), &sliceSource{items: items})
}

func TestRunAllSucceed(t *testing.T) {
	dl := newStubDownloader()
	tool := newStubTooling()
	withMeta := item(t, "https://example.com/a", "a.txt")
	withMeta.Metadata = map[string][]string{"title": {"Apple"}}
	withMeta.ExtraURLs = []string{"https://mirror.example.com/a"}
	items := []download.Item{
		withMeta,
		item(t, "https://example.com/b", "sub/b.txt"),
		item(t, "https://example.com/c", "c.txt"),
	}

	report, err := runBatch(t, items, dl, tool)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Downloaded() != 3 {
		t.Fatalf("Downloaded = %d, want 3", report.Downloaded())
	}
	if failed := report.Failed(); len(failed) != 0 {
		t.Fatalf("Failed = %+v, want none", failed)
	}
	if got := len(dl.submissions()); got != 3 {
		t.Fatalf("submissions = %d, want 3", got)
	}
	if fields, ok := tool.metadata["a.txt"]; !ok || fields["title"][0] != "Apple" {
		t.Fatalf("metadata for a.txt = %+v", tool.metadata)
	}
	want := "SHA256E-s100--a.txt https://mirror.example.com/a"
	if len(tool.registered) != 1 || tool.registered[0] != want {
		t.Fatalf("registered = %+v, want [%q]", tool.registered, want)
	}
}

func TestRunDownloadFailure(t *testing.T) {
	dl := newStubDownloader()
	dl.failures["bad.txt"] = []string{"403 Forbidden"}
	tool := newStubTooling()
	items := []download.Item{
		item(t, "https://example.com/good", "good.txt"),
		item(t, "https://example.com/bad", "bad.txt"),
	}

	report, err := runBatch(t, items, dl, tool)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Downloaded() != 1 {
		t.Fatalf("Downloaded = %d, want 1", report.Downloaded())
	}
	failed := report.Failed()
	if len(failed) != 1 || failed[0].Path.String() != "bad.txt" {
		t.Fatalf("Failed = %+v, want bad.txt", failed)
	}
}

func TestRunPostProcessFailureCountsAsFailed(t *testing.T) {
	dl := newStubDownloader()
	tool := newStubTooling()
	tool.metadataErr["a.txt"] = errors.New("metadata refused")
	withMeta := item(t, "https://example.com/a", "a.txt")
	withMeta.Metadata = map[string][]string{"title": {"Apple"}}
	items := []download.Item{
		withMeta,
		item(t, "https://example.com/b", "b.txt"),
	}

	report, err := runBatch(t, items, dl, tool)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Downloaded() != 1 {
		t.Fatalf("Downloaded = %d, want 1", report.Downloaded())
	}
	failed := report.Failed()
	if len(failed) != 1 || failed[0].Path.String() != "a.txt" {
		t.Fatalf("Failed = %+v, want a.txt", failed)
	}
}

func TestRunRegisterFailureCountsAsFailed(t *testing.T) {
	dl := newStubDownloader()
	tool := newStubTooling()
	tool.registerErr["https://mirror.example.com/a"] = errors.New("registerurl refused")
	it := item(t, "https://example.com/a", "a.txt")
	it.ExtraURLs = []string{"https://mirror.example.com/a", "https://backup.example.com/a"}

	report, err := runBatch(t, []download.Item{it}, dl, tool)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Downloaded() != 0 {
		t.Fatalf("Downloaded = %d, want 0", report.Downloaded())
	}
	if len(report.Failed()) != 1 {
		t.Fatalf("Failed = %+v, want one", report.Failed())
	}
	// The remaining URL is still attempted after the first failure.
	want := "SHA256E-s100--a.txt https://backup.example.com/a"
	if len(tool.registered) != 1 || tool.registered[0] != want {
		t.Fatalf("registered = %+v, want [%q]", tool.registered, want)
	}
}

func TestRunKeylessSkipsRegistration(t *testing.T) {
	dl := newStubDownloader()
	dl.keyless["dot.txt"] = true
	tool := newStubTooling()
	it := item(t, "https://example.com/dot", "dot.txt")
	it.ExtraURLs = []string{"https://mirror.example.com/dot"}

	report, err := runBatch(t, []download.Item{it}, dl, tool)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Downloaded() != 1 {
		t.Fatalf("Downloaded = %d, want 1", report.Downloaded())
	}
	if len(tool.registered) != 0 {
		t.Fatalf("registered = %+v, want none", tool.registered)
	}
}

func TestRunDuplicatePathSubmittedOnce(t *testing.T) {
	dl := newStubDownloader()
	tool := newStubTooling()
	items := []download.Item{
		item(t, "https://example.com/first", "dup.txt"),
		item(t, "https://example.com/second", "dup.txt"),
	}

	report, err := runBatch(t, items, dl, tool)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := len(dl.submissions()); got != 1 {
		t.Fatalf("submissions = %d, want 1", got)
	}
	if total := report.Downloaded() + len(report.Failed()); total != 1 {
		t.Fatalf("accounted jobs = %d, want 1", total)
	}
}

func TestRunUnknownEventIgnored(t *testing.T) {
	dl := newStubDownloader()
	stray, err := relpath.New("never-requested.txt")
	if err != nil {
		t.Fatal(err)
	}
	dl.extra = []annex.Completion{{File: stray, Success: true, Key: "SHA256E-s1--x"}}
	tool := newStubTooling()
	items := []download.Item{item(t, "https://example.com/a", "a.txt")}

	report, err := runBatch(t, items, dl, tool)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Downloaded() != 1 || len(report.Failed()) != 0 {
		t.Fatalf("report = %d downloaded, %d failed", report.Downloaded(), len(report.Failed()))
	}
}

func TestRunWorkerDiedMidBatch(t *testing.T) {
	dl := newStubDownloader()
	dl.swallow["lost.txt"] = true
	tool := newStubTooling()
	items := []download.Item{
		item(t, "https://example.com/a", "a.txt"),
		item(t, "https://example.com/lost", "lost.txt"),
	}

	_, err := runBatch(t, items, dl, tool)
	if err == nil {
		t.Fatal("expected a fatal error for an unresolved dispatch")
	}
}

func TestRunSourceErrorIsFatal(t *testing.T) {
	dl := newStubDownloader()
	tool := newStubTooling()
	cfg := config.Default()
	p := New(&cfg, logging.NewNop(), dl, tool)

	_, err := p.Run(context.Background(), &failingSource{})
	if err == nil {
		t.Fatal("expected a fatal error from the source")
	}
}

type failingSource struct{}

func (failingSource) Next() (download.Item, error) {
	return download.Item{}, errors.New("stream torn down")
}

// countingSource tracks how far the pipeline has read into the input, which
// is the observable side of backpressure.
type countingSource struct {
	items []download.Item
	reads atomic.Int32
}

func (s *countingSource) Next() (download.Item, error) {
	n := int(s.reads.Add(1))
	if n > len(s.items) {
		return download.Item{}, io.EOF
	}
	return s.items[n-1], nil
}

func (s *countingSource) count() int { return int(s.reads.Load()) }

// gatedDownloader holds every completion until the test emits it, so tests
// control exactly when a download "finishes". It expects a fixed number of
// events and only reports end-of-stream after delivering them all (or after
// being killed), mirroring the real worker's drain-then-close behavior.
type gatedDownloader struct {
	mu        sync.Mutex
	submitted []string
	events    chan annex.Completion
	expect    int
	delivered int
	closed    chan struct{}
	killed    chan struct{}
	closeOnce sync.Once
	killOnce  sync.Once
}

func newGatedDownloader(expect int) *gatedDownloader {
	return &gatedDownloader{
		events: make(chan annex.Completion, 16),
		expect: expect,
		closed: make(chan struct{}),
		killed: make(chan struct{}),
	}
}

func (d *gatedDownloader) Submit(_ string, path relpath.Path) error {
	d.mu.Lock()
	d.submitted = append(d.submitted, path.String())
	d.mu.Unlock()
	return nil
}

func (d *gatedDownloader) submissions() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.submitted)
}

func (d *gatedDownloader) hasSubmitted(path string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range d.submitted {
		if s == path {
			return true
		}
	}
	return false
}

func (d *gatedDownloader) emit(c annex.Completion) { d.events <- c }

func (d *gatedDownloader) CloseInput() error {
	d.closeOnce.Do(func() { close(d.closed) })
	return nil
}

func (d *gatedDownloader) Next() (annex.Completion, error) {
	if d.delivered >= d.expect {
		select {
		case <-d.closed:
		case <-d.killed:
		}
		return annex.Completion{}, io.EOF
	}
	select {
	case c := <-d.events:
		d.delivered++
		return c, nil
	case <-d.killed:
		return annex.Completion{}, io.EOF
	}
}

func (d *gatedDownloader) Shutdown(time.Duration) error { return nil }

func (d *gatedDownloader) Kill() { d.killOnce.Do(func() { close(d.killed) }) }

func success(t *testing.T, path string) annex.Completion {
	t.Helper()
	p, err := relpath.New(path)
	if err != nil {
		t.Fatalf("relpath.New(%q): %v", path, err)
	}
	return annex.Completion{File: p, Success: true, Key: "SHA256E-s100--" + path}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type runResult struct {
	report *Report
	err    error
}

func startRun(ctx context.Context, cfg *config.Config, src Source, dl Downloader, tool Tooling) chan runResult {
	done := make(chan runResult, 1)
	go func() {
		report, err := New(cfg, logging.NewNop(), dl, tool).Run(ctx, src)
		done <- runResult{report: report, err: err}
	}()
	return done
}

func TestRunBacklogBlocksReader(t *testing.T) {
	cfg := config.Default()
	cfg.Downloads.Jobs = 2
	cfg.Downloads.BacklogLimit = 2

	names := []string{"n1.txt", "n2.txt", "n3.txt", "n4.txt", "n5.txt"}
	var items []download.Item
	for _, name := range names {
		items = append(items, item(t, "https://example.com/"+name, name))
	}
	src := &countingSource{items: items}
	dl := newGatedDownloader(len(names))

	done := startRun(context.Background(), &cfg, src, dl, newStubTooling())

	// Two submissions fill the backlog; the third record is read but its
	// slot acquisition blocks, so the fourth is never read.
	waitFor(t, "backlog to fill", func() bool {
		return dl.submissions() == 2 && src.count() == 3
	})
	time.Sleep(50 * time.Millisecond)
	if got := src.count(); got != 3 {
		t.Fatalf("reader advanced to record %d while the backlog was full", got)
	}

	dl.emit(success(t, "n1.txt"))
	waitFor(t, "slot release to resume reading", func() bool { return src.count() >= 4 })

	for _, name := range names[1:] {
		waitFor(t, "submission of "+name, func() bool { return dl.hasSubmitted(name) })
		dl.emit(success(t, name))
	}

	res := <-done
	if res.err != nil {
		t.Fatalf("Run: %v", res.err)
	}
	if res.report.Downloaded() != len(names) {
		t.Fatalf("Downloaded = %d, want %d", res.report.Downloaded(), len(names))
	}
}

func TestRunStrayEventDoesNotFreeSlot(t *testing.T) {
	cfg := config.Default()
	cfg.Downloads.Jobs = 1
	cfg.Downloads.BacklogLimit = 1

	names := []string{"s1.txt", "s2.txt", "s3.txt"}
	var items []download.Item
	for _, name := range names {
		items = append(items, item(t, "https://example.com/"+name, name))
	}
	src := &countingSource{items: items}
	dl := newGatedDownloader(len(names) + 1)

	done := startRun(context.Background(), &cfg, src, dl, newStubTooling())

	waitFor(t, "backlog to fill", func() bool {
		return dl.submissions() == 1 && src.count() == 2
	})

	dl.emit(success(t, "never-requested.txt"))
	time.Sleep(50 * time.Millisecond)
	if got := src.count(); got != 2 {
		t.Fatalf("stray event let the reader advance to record %d", got)
	}

	for _, name := range names {
		waitFor(t, "submission of "+name, func() bool { return dl.hasSubmitted(name) })
		dl.emit(success(t, name))
	}

	res := <-done
	if res.err != nil {
		t.Fatalf("Run: %v", res.err)
	}
	if res.report.Downloaded() != len(names) {
		t.Fatalf("Downloaded = %d, want %d", res.report.Downloaded(), len(names))
	}
}

func TestRunInterruptDrainsGracefully(t *testing.T) {
	cfg := config.Default()
	cfg.Downloads.Jobs = 1
	cfg.Downloads.BacklogLimit = 1

	items := []download.Item{
		item(t, "https://example.com/g1", "g1.txt"),
		item(t, "https://example.com/g2", "g2.txt"),
		item(t, "https://example.com/g3", "g3.txt"),
	}
	src := &countingSource{items: items}
	dl := newGatedDownloader(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := startRun(ctx, &cfg, src, dl, newStubTooling())

	// g1 is dispatched and in flight; g2 is read but waiting for a slot.
	waitFor(t, "first dispatch", func() bool {
		return dl.submissions() == 1 && src.count() == 2
	})
	cancel()

	// The worker drains its one in-flight download after the interrupt.
	dl.emit(success(t, "g1.txt"))

	res := <-done
	if res.err != nil {
		t.Fatalf("Run: %v", res.err)
	}
	if dl.submissions() != 1 {
		t.Fatalf("submissions = %d, want no dispatches after the interrupt", dl.submissions())
	}
	if src.count() > 2 {
		t.Fatalf("reader advanced to record %d after the interrupt", src.count())
	}
	// g1 downloaded but its post-processing never started, so it is
	// reported failed; the undispatched g2 is dropped without an outcome.
	if res.report.Downloaded() != 0 {
		t.Fatalf("Downloaded = %d, want 0", res.report.Downloaded())
	}
	failed := res.report.Failed()
	if len(failed) != 1 || failed[0].Path.String() != "g1.txt" {
		t.Fatalf("Failed = %+v, want only g1.txt", failed)
	}
}

func TestRunInterruptKillsStuckWorker(t *testing.T) {
	cfg := config.Default()
	cfg.Downloads.Jobs = 1
	cfg.Downloads.ShutdownGraceSeconds = 1

	src := &countingSource{items: []download.Item{
		item(t, "https://example.com/k1", "k1.txt"),
	}}
	dl := newGatedDownloader(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := startRun(ctx, &cfg, src, dl, newStubTooling())

	waitFor(t, "dispatch", func() bool { return dl.submissions() == 1 })
	cancel()

	// No completion is ever emitted; the grace period lapses and the
	// worker is killed, which is fatal for the batch.
	res := <-done
	if res.err == nil {
		t.Fatal("expected a fatal error after the worker was killed")
	}
	select {
	case <-dl.killed:
	default:
		t.Fatal("worker was never killed")
	}
}

func TestRunEmptyInput(t *testing.T) {
	dl := newStubDownloader()
	tool := newStubTooling()

	report, err := runBatch(t, nil, dl, tool)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Downloaded() != 0 || len(report.Failed()) != 0 {
		t.Fatalf("report = %d downloaded, %d failed, want empty", report.Downloaded(), len(report.Failed()))
	}
}
