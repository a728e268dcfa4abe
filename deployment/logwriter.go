package deployment

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/gosimple/slug"
)

// LogWriter stores the output of failed provisioning runs as files
type LogWriter struct {
	dir string
}

// NewLogWriter creates a writer storing logs below dir
func NewLogWriter(dir string) *LogWriter {
	return &LogWriter{dir: dir}
}

// FileName returns the log file name for a deployment
func FileName(d *Deployment) string {
	name := slug.Make(fmt.Sprintf("%s %s %s", d.TargetKey(), d.Tag(), d.CreatedAt().UTC().Format("2006-01-02 150405")))
	return name + ".log"
}

// Write stores the combined output of d and returns the file path
func (w *LogWriter) Write(d *Deployment) (string, error) {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create log directory: %w", err)
	}

	path := filepath.Join(w.dir, FileName(d))

	var b strings.Builder
	fmt.Fprintf(&b, "# deployment %s\n", d.ID())
	fmt.Fprintf(&b, "# target=%s tag=%s requester=%s\n", d.TargetKey(), d.Tag(), d.Requester())
	fmt.Fprintf(&b, "# args=%s\n\n", strings.Join(d.Args(), " "))
	b.WriteString(d.Output())

	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		slog.Error("Service operation failed",
			"layer", "deployment",
			"operation", "write_log",
			"target", d.TargetKey(),
			"deployment_id", d.ID(),
			"path", path,
			"error", err)
		return "", fmt.Errorf("failed to write log file: %w", err)
	}

	return path, nil
}

// Path returns the path a log named name would be stored at, rejecting
// names that escape the log directory.
func (w *LogWriter) Path(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || !strings.HasSuffix(name, ".log") {
		return "", fmt.Errorf("invalid log name %q", name)
	}
	return filepath.Join(w.dir, name), nil
}
