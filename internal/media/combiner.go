// Package media combines two media files into one using ffmpeg.
//
// Each source is first transcoded on its own into a common intermediate
// (H.264/AAC MP4 at the configured resolution, frame rate and audio layout)
// and the two parts are then joined with the concat demuxer using stream copy.
// Failures are attributed to the phase that produced them.
package media

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/clipmix/api/internal/log"
	"github.com/clipmix/api/internal/runner"
)

// Combine phases reported in CombineError.
const (
	PhasePrepare    = "prepare"
	PhaseTranscodeA = "transcode-a"
	PhaseTranscodeB = "transcode-b"
	PhaseManifest   = "manifest"
	PhaseConcat     = "concat"
	PhaseFinalize   = "finalize"
)

// CombineError reports which phase of a combine failed.
type CombineError struct {
	Phase string
	Err   error
}

func (e *CombineError) Error() string {
	return fmt.Sprintf("combine %s: %v", e.Phase, e.Err)
}

func (e *CombineError) Unwrap() error { return e.Err }

// Combiner joins sourceA followed by sourceB into destination.
type Combiner interface {
	Combine(ctx context.Context, sourceA, sourceB, destination string) error
}

// DefaultCRF is the libx264 quality used when CRF is negative.
const DefaultCRF = 23

// Settings describe the common output format.
type Settings struct {
	FFmpegPath  string
	FFprobePath string
	Width       int
	Height      int
	FPS         int
	SampleRate  int
	Channels    int
	Preset      string
	// CRF is passed to libx264 as is, 0 being lossless. Negative values
	// select DefaultCRF.
	CRF     int
	Timeout time.Duration
}

func (s *Settings) defaults() {
	if strings.TrimSpace(s.FFmpegPath) == "" {
		s.FFmpegPath = "ffmpeg"
	}
	if strings.TrimSpace(s.FFprobePath) == "" {
		s.FFprobePath = "ffprobe"
	}
	if s.Width <= 0 {
		s.Width = 1080
	}
	if s.Height <= 0 {
		s.Height = 1920
	}
	if s.FPS <= 0 {
		s.FPS = 30
	}
	if s.SampleRate <= 0 {
		s.SampleRate = 44100
	}
	if s.Channels != 1 {
		s.Channels = 2
	}
	if s.Preset == "" {
		s.Preset = "veryfast"
	}
	if s.CRF < 0 {
		s.CRF = DefaultCRF
	}
	if s.Timeout <= 0 {
		s.Timeout = 10 * time.Minute
	}
}

// FFmpegCombiner implements Combiner with the two-phase
// transcode-then-concat strategy.
type FFmpegCombiner struct {
	settings Settings
	run      runner.Runner
	logger   log.Logger
}

// NewFFmpegCombiner creates a combiner that invokes ffmpeg through run.
func NewFFmpegCombiner(settings Settings, run runner.Runner, logger log.Logger) (*FFmpegCombiner, error) {
	if run == nil {
		return nil, fmt.Errorf("runner is required")
	}
	if logger == nil {
		logger = log.Noop
	}
	settings.defaults()

	return &FFmpegCombiner{
		settings: settings,
		run:      run,
		logger:   logger.WithValues(log.Kv{"svc": "media.FFmpegCombiner"}),
	}, nil
}

// Settings returns the effective settings after defaults.
func (c *FFmpegCombiner) Settings() Settings { return c.settings }

// Combine writes destination only after every step succeeded. The temporary
// working directory is removed on every path.
func (c *FFmpegCombiner) Combine(ctx context.Context, sourceA, sourceB, destination string) error {
	for _, src := range []string{sourceA, sourceB} {
		if _, err := os.Stat(src); err != nil {
			return &CombineError{Phase: PhasePrepare, Err: fmt.Errorf("source not readable: %w", err)}
		}
	}

	destDir := filepath.Dir(destination)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return &CombineError{Phase: PhasePrepare, Err: err}
	}

	// Same directory as the destination so the final rename never crosses
	// filesystems.
	workDir, err := os.MkdirTemp(destDir, ".combine-*")
	if err != nil {
		return &CombineError{Phase: PhasePrepare, Err: fmt.Errorf("create work dir: %w", err)}
	}
	defer func() {
		if rmErr := os.RemoveAll(workDir); rmErr != nil {
			c.logger.Warningf("could not remove work dir %s: %v", workDir, rmErr)
		}
	}()

	partA := filepath.Join(workDir, "part0.mp4")
	partB := filepath.Join(workDir, "part1.mp4")

	if err := c.transcode(ctx, sourceA, partA); err != nil {
		return &CombineError{Phase: PhaseTranscodeA, Err: err}
	}
	if err := c.transcode(ctx, sourceB, partB); err != nil {
		return &CombineError{Phase: PhaseTranscodeB, Err: err}
	}

	manifest := filepath.Join(workDir, "list.txt")
	if err := os.WriteFile(manifest, []byte(manifestLine(partA)+manifestLine(partB)), 0o644); err != nil {
		return &CombineError{Phase: PhaseManifest, Err: err}
	}

	joined := filepath.Join(workDir, "out.mp4")
	if _, err := c.run.Run(ctx, c.settings.Timeout, c.settings.FFmpegPath, c.settings.concatArgs(manifest, joined)...); err != nil {
		return &CombineError{Phase: PhaseConcat, Err: err}
	}
	if err := requireNonEmpty(joined); err != nil {
		return &CombineError{Phase: PhaseConcat, Err: err}
	}

	if err := os.Rename(joined, destination); err != nil {
		_ = os.Remove(destination)
		return &CombineError{Phase: PhaseFinalize, Err: err}
	}

	c.logger.Debugf("combined %s + %s into %s", filepath.Base(sourceA), filepath.Base(sourceB), filepath.Base(destination))
	return nil
}

func (c *FFmpegCombiner) transcode(ctx context.Context, source, output string) error {
	hasAudio, err := c.hasAudio(ctx, source)
	if err != nil {
		return fmt.Errorf("probe %s: %w", filepath.Base(source), err)
	}

	if _, err := c.run.Run(ctx, c.settings.Timeout, c.settings.FFmpegPath, c.settings.transcodeArgs(source, output, hasAudio)...); err != nil {
		return err
	}
	return requireNonEmpty(output)
}

func (c *FFmpegCombiner) hasAudio(ctx context.Context, source string) (bool, error) {
	out, err := c.run.Run(ctx, c.settings.Timeout, c.settings.FFprobePath, probeAudioArgs(source)...)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(string(out)) != "", nil
}

var errEmptyOutput = errors.New("process produced no output file")

func requireNonEmpty(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %v", errEmptyOutput, err)
	}
	if info.Size() == 0 {
		return errEmptyOutput
	}
	return nil
}
