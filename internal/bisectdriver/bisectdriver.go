// Package bisectdriver adapts git's bisect state machine (§4.8): start,
// current, mark, and reset over a working copy's .git/BISECT_* state.
// A successful mark must be durable before the Coordinator considers an
// iteration closed (§5) — Mark shells out synchronously and returns only
// once git has written its own state to disk.
package bisectdriver

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/kbisect/kbisect/internal/domain"
)

// Driver drives `git bisect` in one working copy.
type Driver struct {
	repoDir string
	binary  string
}

// New returns a Driver operating git (or binary, if non-empty) against
// the working copy at repoDir.
func New(repoDir, binary string) *Driver {
	if binary == "" {
		binary = "git"
	}
	return &Driver{repoDir: repoDir, binary: binary}
}

func (d *Driver) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, d.binary, args...)
	cmd.Dir = d.repoDir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return out.String(), fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, out.String())
	}
	return out.String(), nil
}

// Start begins a bisection between goodRef and badRef. Idempotent: if a
// bisection is already in progress on this working copy, it verifies the
// recorded endpoints match rather than restarting.
func (d *Driver) Start(ctx context.Context, goodRef, badRef string) error {
	logOut, err := d.run(ctx, "bisect", "log")
	if err == nil && strings.Contains(logOut, "git bisect start") {
		return d.verifyEndpoints(logOut, goodRef, badRef)
	}

	if _, err := d.run(ctx, "bisect", "start", badRef, goodRef); err != nil {
		return domain.NewError(domain.ErrConfigInvalid, err)
	}
	return nil
}

func (d *Driver) verifyEndpoints(log, goodRef, badRef string) error {
	goodSHA, goodErr := d.resolve(context.Background(), goodRef)
	badSHA, badErr := d.resolve(context.Background(), badRef)
	if goodErr != nil || badErr != nil {
		return domain.NewError(domain.ErrConfigInvalid, fmt.Errorf("resolve bisect endpoints: good=%v bad=%v", goodErr, badErr))
	}
	if !strings.Contains(log, goodSHA) || !strings.Contains(log, badSHA) {
		return domain.NewError(domain.ErrConfigInvalid, fmt.Errorf("bisection already in progress with different endpoints than good=%s bad=%s", goodRef, badRef))
	}
	return nil
}

func (d *Driver) resolve(ctx context.Context, ref string) (string, error) {
	out, err := d.run(ctx, "rev-parse", ref)
	return strings.TrimSpace(out), err
}

// Current returns the commit git chose to test next, or "" when the
// search has converged.
func (d *Driver) Current(ctx context.Context) (string, error) {
	out, err := d.run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", domain.NewError(domain.ErrConfigInvalid, err)
	}
	done, _ := d.run(ctx, "bisect", "log")
	if strings.Contains(done, "# first bad commit") {
		return "", nil
	}
	return strings.TrimSpace(out), nil
}

// Mark records verdict for the commit currently checked out. If the
// search converges as a result, the returned string is the first-bad
// commit's sha; otherwise it is empty. When every remaining candidate has
// been skipped, git rejects the mark ("We cannot bisect more!") rather
// than converging on a sha — that case is reported as convergence too,
// with domain.FirstBadInconclusive in place of a sha, per §8.
func (d *Driver) Mark(ctx context.Context, verdict domain.Verdict) (firstBad string, err error) {
	arg, err := bisectVerb(verdict)
	if err != nil {
		return "", err
	}
	out, runErr := d.run(ctx, "bisect", arg)
	if runErr != nil {
		if isInconclusive(out) {
			return domain.FirstBadInconclusive, nil
		}
		return "", domain.NewError(domain.ErrVCSMarkRejected, runErr)
	}
	if sha := parseFirstBad(out); sha != "" {
		return sha, nil
	}
	return "", nil
}

// inconclusiveMarkers are substrings of the output git bisect produces
// when no untested, unskipped candidate remains in range.
var inconclusiveMarkers = []string{
	"we cannot bisect more",
	"could be any of",
}

func isInconclusive(out string) bool {
	lower := strings.ToLower(out)
	for _, marker := range inconclusiveMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func bisectVerb(v domain.Verdict) (string, error) {
	switch v {
	case domain.VerdictGood:
		return "good", nil
	case domain.VerdictBad:
		return "bad", nil
	case domain.VerdictSkip:
		return "skip", nil
	default:
		return "", domain.NewError(domain.ErrVCSMarkRejected, fmt.Errorf("verdict %q is not markable (pending iterations must halt, not mark)", v))
	}
}

// parseFirstBad extracts the sha from git bisect's "<sha> is the first
// bad commit" convergence line.
func parseFirstBad(out string) string {
	for _, line := range strings.Split(out, "\n") {
		if strings.Contains(line, "is the first bad commit") {
			fields := strings.Fields(line)
			if len(fields) > 0 {
				return fields[0]
			}
		}
	}
	return ""
}

// Message returns sha's one-line commit subject, for iteration records.
func (d *Driver) Message(ctx context.Context, sha string) (string, error) {
	out, err := d.run(ctx, "log", "-1", "--format=%s", sha)
	if err != nil {
		return "", domain.NewError(domain.ErrConfigInvalid, err)
	}
	return strings.TrimSpace(out), nil
}

// Reset releases the working copy's bisection state.
func (d *Driver) Reset(ctx context.Context) error {
	if _, err := d.run(ctx, "bisect", "reset"); err != nil {
		return domain.NewError(domain.ErrConfigInvalid, err)
	}
	return nil
}
