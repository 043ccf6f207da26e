package extractor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/reelgrab/reel-api/bus"
	"github.com/reelgrab/reel-api/config"
	"github.com/reelgrab/reel-api/errors"
	"github.com/reelgrab/reel-api/log"
	"github.com/reelgrab/reel-api/store"
	"github.com/reelgrab/reel-api/subprocess"
)

const (
	killGrace       = 5 * time.Second
	stderrTailLines = 30
)

// ProgressFunc receives global-scale progress percentages as a run moves
// through its stages. Updates are monotone within one run.
type ProgressFunc func(stage bus.Stage, percent float64, message string)

// Request describes one acquisition run against a source URL.
type Request struct {
	JobID       string
	URL         string
	Options     store.Options
	CookiesPath string
	ScratchDir  string
	OnProgress  ProgressFunc
}

// Result is everything a finished run left behind in the scratch dir.
type Result struct {
	Metadata  store.Metadata
	MediaFile string
	Subtitles map[string]string
	Thumbnail string
}

// Extractor turns a source URL into files on local disk.
type Extractor interface {
	Run(ctx context.Context, req Request) (*Result, error)
}

// YtDlp shells out to the yt-dlp binary in two phases, a metadata probe and
// the download itself, parsing stdout lines for progress as it goes. The
// child runs in its own process group so cancellation can take down any
// helpers it spawned along with it.
type YtDlp struct {
	Bin       string
	KillGrace time.Duration
	Heartbeat time.Duration
	Clock     clock.Clock
}

func NewYtDlp(cli *config.Cli, clk clock.Clock) *YtDlp {
	return &YtDlp{
		Bin:       cli.ExtractorBin,
		KillGrace: killGrace,
		Heartbeat: cli.HeartbeatInterval(),
		Clock:     clk,
	}
}

func (y *YtDlp) Run(ctx context.Context, req Request) (*Result, error) {
	emit := newEmitter(req.OnProgress)
	emit.send(bus.StageExtracting, 0, "probing source")

	info, err := y.probe(ctx, req)
	if err != nil {
		return nil, err
	}
	emit.send(bus.StageExtracting, 1, "metadata resolved")

	if err := y.download(ctx, req, emit); err != nil {
		return nil, err
	}

	result, err := collectArtifacts(req.ScratchDir)
	if err != nil {
		return nil, err
	}
	result.Metadata = info.metadata()
	return result, nil
}

// infoJSON is the subset of the probe dump the service keeps.
type infoJSON struct {
	Title      string  `json:"title"`
	Duration   float64 `json:"duration"`
	Uploader   string  `json:"uploader"`
	Channel    string  `json:"channel"`
	UploadDate string  `json:"upload_date"`
	ViewCount  int64   `json:"view_count"`
	LikeCount  int64   `json:"like_count"`
}

func (i infoJSON) metadata() store.Metadata {
	uploader := i.Uploader
	if uploader == "" {
		uploader = i.Channel
	}
	return store.Metadata{
		Title:           i.Title,
		DurationSeconds: i.Duration,
		Uploader:        uploader,
		UploadDate:      i.UploadDate,
		ViewCount:       i.ViewCount,
		LikeCount:       i.LikeCount,
	}
}

func (y *YtDlp) probe(ctx context.Context, req Request) (infoJSON, error) {
	cmd := exec.Command(y.Bin, probeArgs(req.URL, req.CookiesPath)...)
	subprocess.SetProcessGroup(cmd)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log.Log(req.JobID, "probing source", "command", y.Bin, "url", req.URL)
	if err := cmd.Start(); err != nil {
		return infoJSON{}, errors.Tagf(errors.KindInternal, "starting %s: %w", y.Bin, err)
	}
	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	select {
	case <-ctx.Done():
		_ = subprocess.Terminate(cmd, waitCh, y.killGraceOrDefault())
		return infoJSON{}, fmt.Errorf("probe aborted: %w", ctx.Err())
	case err := <-waitCh:
		if err != nil {
			return infoJSON{}, Classify(err, tailOf(stderr.String()))
		}
	}

	var info infoJSON
	if err := json.Unmarshal(firstLine(stdout.Bytes()), &info); err != nil {
		return infoJSON{}, errors.Tagf(errors.KindExtractorTransient, "parsing probe output: %w", err)
	}
	return info, nil
}

func (y *YtDlp) download(ctx context.Context, req Request, emit *emitter) error {
	args := downloadArgs(req.URL, req.Options, req.ScratchDir, req.CookiesPath)
	cmd := exec.Command(y.Bin, args...)
	subprocess.SetProcessGroup(cmd)

	tail := newTailBuffer(stderrTailLines)
	onStdout := func(line string) {
		if p, ok := parseProgressLine(line); ok {
			emit.send(bus.StageDownloading, p.Fraction, p.Message)
		}
	}
	onStderr := func(line string) {
		tail.add(line)
		log.Log(req.JobID, "extractor stderr", "line", line)
	}
	drain, err := subprocess.ScanOutputs(cmd, onStdout, onStderr)
	if err != nil {
		return errors.Tagf(errors.KindInternal, "wiring extractor pipes: %w", err)
	}

	log.Log(req.JobID, "downloading", "command", y.Bin, "args", strings.Join(args, " "))
	if err := cmd.Start(); err != nil {
		return errors.Tagf(errors.KindInternal, "starting %s: %w", y.Bin, err)
	}
	emit.send(bus.StageDownloading, 0, "download started")

	stopHeartbeat := y.startHeartbeat(emit)
	defer stopHeartbeat()

	// The scanners hit EOF once the child exits, so the drain must finish
	// before Wait is allowed to close the pipes.
	waitCh := make(chan error, 1)
	go func() {
		drain()
		waitCh <- cmd.Wait()
	}()

	select {
	case <-ctx.Done():
		_ = subprocess.Terminate(cmd, waitCh, y.killGraceOrDefault())
		return fmt.Errorf("download aborted: %w", ctx.Err())
	case err := <-waitCh:
		if err != nil {
			return Classify(err, tail.String())
		}
	}
	emit.send(bus.StageDownloading, 1, "download finished")
	return nil
}

func (y *YtDlp) killGraceOrDefault() time.Duration {
	if y.KillGrace > 0 {
		return y.KillGrace
	}
	return killGrace
}

// startHeartbeat re-emits the last progress update on a fixed interval so a
// stalled download still produces signs of life for watchers.
func (y *YtDlp) startHeartbeat(emit *emitter) func() {
	if y.Heartbeat <= 0 {
		return func() {}
	}
	clk := y.Clock
	if clk == nil {
		clk = clock.New()
	}
	ticker := clk.Ticker(y.Heartbeat)
	done := make(chan struct{})
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				emit.resend()
			}
		}
	}()
	return func() { close(done) }
}

// emitter scales stage-local fractions onto the global progress ladder and
// drops anything that would move the percentage backwards. yt-dlp restarts
// its percent count for every stream it fetches, so a video+audio download
// would otherwise be seen sawtoothing.
type emitter struct {
	fn      ProgressFunc
	mu      sync.Mutex
	stage   bus.Stage
	percent float64
	message string
	primed  bool
}

func newEmitter(fn ProgressFunc) *emitter { return &emitter{fn: fn} }

func (e *emitter) send(stage bus.Stage, fraction float64, message string) {
	percent := stage.Scale(fraction)
	e.mu.Lock()
	if e.primed && percent < e.percent {
		e.mu.Unlock()
		return
	}
	e.stage, e.percent, e.message, e.primed = stage, percent, message, true
	fn := e.fn
	e.mu.Unlock()
	if fn != nil {
		fn(stage, percent, message)
	}
}

func (e *emitter) resend() {
	e.mu.Lock()
	stage, percent, message, ok := e.stage, e.percent, e.message, e.primed
	fn := e.fn
	e.mu.Unlock()
	if ok && fn != nil {
		fn(stage, percent, message)
	}
}

// tailBuffer keeps the last n lines written to it.
type tailBuffer struct {
	mu    sync.Mutex
	n     int
	lines []string
}

func newTailBuffer(n int) *tailBuffer { return &tailBuffer{n: n} }

func (t *tailBuffer) add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	if len(t.lines) > t.n {
		t.lines = t.lines[len(t.lines)-t.n:]
	}
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.lines, "\n")
}

var mediaExtensions = map[string]bool{
	".mp4": true, ".webm": true, ".mkv": true,
	".m4a": true, ".mp3": true, ".opus": true, ".ogg": true, ".wav": true,
}

var thumbnailExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".webp": true,
}

// collectArtifacts walks the scratch dir for the files a finished run leaves
// behind: media.<ext>, media.<lang>.srt subtitles and at most one thumbnail.
// Intermediate stream files (media.f616.mp4) and partials are skipped.
func collectArtifacts(scratchDir string) (*Result, error) {
	entries, err := os.ReadDir(scratchDir)
	if err != nil {
		return nil, errors.Tagf(errors.KindInternal, "reading scratch dir: %w", err)
	}
	result := &Result{Subtitles: map[string]string{}}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, outputBase+".") {
			continue
		}
		if strings.HasSuffix(name, ".part") || strings.HasSuffix(name, ".ytdl") {
			continue
		}
		path := filepath.Join(scratchDir, name)
		rest := strings.TrimPrefix(name, outputBase)
		ext := strings.ToLower(filepath.Ext(name))
		switch {
		case rest == ext && mediaExtensions[ext]:
			result.MediaFile = path
		case rest == ext && thumbnailExtensions[ext]:
			result.Thumbnail = path
		case ext == ".srt":
			lang := strings.Trim(strings.TrimSuffix(rest, ".srt"), ".")
			if lang != "" {
				result.Subtitles[lang] = path
			}
		}
	}
	if result.MediaFile == "" {
		return nil, errors.Tagf(errors.KindExtractorTransient, "extractor finished without producing a media file in %s", scratchDir)
	}
	return result, nil
}

// tailOf returns the last few lines of captured output, enough for failure
// classification without dragging whole tracebacks around.
func tailOf(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > stderrTailLines {
		lines = lines[len(lines)-stderrTailLines:]
	}
	return strings.Join(lines, "\n")
}

func firstLine(b []byte) []byte {
	if i := bytes.IndexByte(b, '\n'); i >= 0 {
		return b[:i]
	}
	return b
}
