package deployment

import (
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"sort"
	"time"

	"github.com/deploybot/deploybot/domain"
)

// ProcessConfig describes how the provisioning process is started
type ProcessConfig struct {
	Bin        string
	Dir        string
	Playbook   string
	Env        []string
	Highlights []*regexp.Regexp
	// KillGrace is how long a cancelled process may take to exit after the
	// termination signal before it is killed
	KillGrace time.Duration
}

// supervise runs the provisioning process to completion and settles the
// deployment according to how it ended.
func (d *Deployment) supervise() (domain.Outcome, error) {
	pc := d.deps.Process
	args := d.Args()

	cmd := exec.CommandContext(d.ctx, pc.Bin, args...)
	cmd.Dir = pc.Dir
	if len(pc.Env) > 0 {
		cmd.Env = append(os.Environ(), pc.Env...)
	}
	cmd.Stdout = &outputWriter{d: d}
	cmd.Stderr = &outputWriter{d: d, stderr: true}
	configureTermination(cmd, pc.KillGrace)

	slog.Info("Starting provisioning run",
		"layer", "deployment",
		"target", d.targetKey,
		"deployment_id", d.id,
		"tag", d.tag,
		"bin", pc.Bin,
		"args", args,
		"working_dir", pc.Dir)

	if err := cmd.Start(); err != nil {
		d.detach()
		return d.fail(&domain.ProvisionError{ExitCode: -1, Err: err})
	}

	waitErr := cmd.Wait()

	if d.ctx.Err() != nil {
		killProcessGroup(cmd)
		d.detach()
		return d.abort()
	}
	d.detach()

	if waitErr == nil || errors.Is(waitErr, exec.ErrWaitDelay) {
		d.finish(domain.StateDone, nil, "")
		return domain.OutcomeSucceeded, nil
	}

	code := exitCode(cmd.ProcessState)
	return d.fail(&domain.ProvisionError{
		ExitCode: code,
		Stdout:   d.Stdout(),
		Stderr:   d.Stderr(),
		Output:   d.Output(),
		Err:      waitErr,
	})
}

// outputWriter receives one stream of the provisioning process. Every
// chunk is appended to the buffers and scanned for highlights.
type outputWriter struct {
	d      *Deployment
	stderr bool
}

func (w *outputWriter) Write(p []byte) (int, error) {
	d := w.d

	d.outMu.Lock()
	if w.stderr {
		d.stderr.Write(p)
	} else {
		d.stdout.Write(p)
	}
	d.combined.Write(p)
	d.outMu.Unlock()

	for _, label := range MatchHighlights(d.deps.Process.Highlights, string(p)) {
		d.emitProgress(label)
	}
	return len(p), nil
}

// MatchHighlights returns the label of every highlight occurrence in chunk,
// in output order. The label is the pattern's first capture group, or the
// whole match for patterns without one.
func MatchHighlights(patterns []*regexp.Regexp, chunk string) []string {
	type hit struct {
		pos     int
		pattern int
		label   string
	}

	var hits []hit
	for i, re := range patterns {
		for _, m := range re.FindAllStringSubmatchIndex(chunk, -1) {
			label := chunk[m[0]:m[1]]
			if len(m) >= 4 && m[2] >= 0 {
				label = chunk[m[2]:m[3]]
			}
			hits = append(hits, hit{pos: m[0], pattern: i, label: label})
		}
	}

	sort.SliceStable(hits, func(a, b int) bool {
		if hits[a].pos != hits[b].pos {
			return hits[a].pos < hits[b].pos
		}
		return hits[a].pattern < hits[b].pattern
	})

	labels := make([]string, len(hits))
	for i, h := range hits {
		labels[i] = h.label
	}
	return labels
}
