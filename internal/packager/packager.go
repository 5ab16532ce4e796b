// Package packager seals a task output directory into a downloadable archive.
package packager

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/flate"

	"github.com/clipmix/api/internal/log"
)

// ReportName is the file name of the summary written into every task directory.
const ReportName = "report.txt"

// Failure describes one combination that produced no output.
type Failure struct {
	Hook   string
	Body   string
	Reason string
}

// Report is the input of Finalize.
type Report struct {
	TaskID    string
	TaskDir   string
	Success   int
	Total     int
	Failures  []Failure
	CreatedAt time.Time
}

// Packager writes the report and the archive.
type Packager struct {
	logger log.Logger
	now    func() time.Time
}

// New creates a Packager.
func New(logger log.Logger) *Packager {
	if logger == nil {
		logger = log.Noop
	}
	return &Packager{
		logger: logger.WithValues(log.Kv{"svc": "packager.Packager"}),
		now:    time.Now,
	}
}

// ArchivePath returns the sibling archive path for a task directory.
func ArchivePath(taskDir string) string {
	return filepath.Clean(taskDir) + ".zip"
}

// Finalize writes the report into the task directory and compresses the
// directory into its sibling archive, returning the archive path.
func (p *Packager) Finalize(ctx context.Context, r Report) (string, error) {
	if err := p.WriteReport(r); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}

	archive := ArchivePath(r.TaskDir)
	n, err := p.Archive(ctx, r.TaskDir, archive)
	if err != nil {
		return "", fmt.Errorf("create archive: %w", err)
	}

	p.logger.Infof("archived %d files of task %s into %s", n, r.TaskID, filepath.Base(archive))
	return archive, nil
}

// WriteReport writes report.txt into the task directory.
func (p *Packager) WriteReport(r Report) error {
	created := r.CreatedAt
	if created.IsZero() {
		created = p.now()
	}

	var outputBytes uint64
	_ = filepath.WalkDir(r.TaskDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !d.Type().IsRegular() || d.Name() == ReportName {
			return nil
		}
		if info, err := d.Info(); err == nil {
			outputBytes += uint64(info.Size())
		}
		return nil
	})

	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n", r.TaskID)
	fmt.Fprintf(&b, "Generated: %s\n", created.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Combinations: %d\n", r.Total)
	fmt.Fprintf(&b, "Successful: %d\n", r.Success)
	fmt.Fprintf(&b, "Failed: %d\n", r.Total-r.Success)
	fmt.Fprintf(&b, "Output size: %s\n", humanize.Bytes(outputBytes))
	if len(r.Failures) > 0 {
		b.WriteString("\nFailures:\n")
		for _, f := range r.Failures {
			fmt.Fprintf(&b, "- %s + %s: %s\n", f.Hook, f.Body, oneLine(f.Reason))
		}
	}

	return os.WriteFile(filepath.Join(r.TaskDir, ReportName), []byte(b.String()), 0o644)
}

// Archive zips every regular file below root into dest using the best
// Deflate compression. Entry names are relative to root with forward slashes.
// The archive is written to a temporary file and renamed into place.
func (p *Packager) Archive(ctx context.Context, root, dest string) (int, error) {
	root = filepath.Clean(root)
	dest = filepath.Clean(dest)
	if strings.HasPrefix(dest, root+string(filepath.Separator)) {
		return 0, fmt.Errorf("archive %s must not be inside %s", dest, root)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".*.tmp")
	if err != nil {
		return 0, err
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	zw := zip.NewWriter(tmp)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, flate.BestCompression)
	})

	count := 0
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}

		name, err := entryName(root, path)
		if err != nil {
			return err
		}

		if err := addFile(zw, path, name); err != nil {
			return fmt.Errorf("add %s: %w", name, err)
		}
		count++
		return nil
	})
	if walkErr != nil {
		return 0, walkErr
	}

	if err := zw.Close(); err != nil {
		return 0, err
	}
	if err := tmp.Close(); err != nil {
		return 0, err
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return 0, err
	}
	committed = true

	return count, nil
}

// entryName returns the archive name for path, refusing anything that would
// escape root once extracted.
func entryName(root, path string) (string, error) {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return "", err
	}
	name := filepath.ToSlash(rel)
	if name == "." || strings.HasPrefix(name, "/") || name == ".." || strings.HasPrefix(name, "../") || strings.Contains(name, "/../") {
		return "", fmt.Errorf("unsafe archive entry %q", name)
	}
	return name, nil
}

func addFile(zw *zip.Writer, path, name string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	header.Name = name
	header.Method = zip.Deflate

	w, err := zw.CreateHeader(header)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, f)
	return err
}

const maxReasonRunes = 300

func oneLine(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) > maxReasonRunes {
		s = string([]rune(s)[:maxReasonRunes]) + "..."
	}
	return s
}
