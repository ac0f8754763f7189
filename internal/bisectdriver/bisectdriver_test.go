package bisectdriver

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kbisect/kbisect/internal/domain"
)

// newTestRepo creates a throwaway git repository with five commits and
// returns the driver plus the commits in oldest-first order.
func newTestRepo(t *testing.T) (*Driver, []string) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	dir := t.TempDir()
	run := func(args ...string) string {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@test.invalid",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@test.invalid")
		out, err := cmd.CombinedOutput()
		if err != nil {
			t.Fatalf("git %v: %v: %s", args, err, out)
		}
		return strings.TrimSpace(string(out))
	}
	run("init")
	run("config", "commit.gpgsign", "false")

	var shas []string
	for i := 0; i < 5; i++ {
		name := filepath.Join(dir, "file.txt")
		if err := os.WriteFile(name, []byte{byte('a' + i)}, 0644); err != nil {
			t.Fatal(err)
		}
		run("add", "file.txt")
		run("commit", "-m", "commit")
		shas = append(shas, run("rev-parse", "HEAD"))
	}
	return New(dir, ""), shas
}

func TestBisectDriverConvergesToFirstBad(t *testing.T) {
	d, shas := newTestRepo(t)
	ctx := context.Background()
	good, bad := shas[0], shas[4]

	if err := d.Start(ctx, good, bad); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer d.Reset(ctx)

	// shas[2] (third commit) is the first bad commit in this fixture.
	firstBadWant := shas[2]

	for i := 0; i < 10; i++ {
		sha, err := d.Current(ctx)
		if err != nil {
			t.Fatalf("Current: %v", err)
		}
		if sha == "" {
			t.Fatal("bisection converged before reaching the expected first-bad commit")
		}

		verdict := domain.VerdictGood
		if reachedOrPast(shas, sha, firstBadWant) {
			verdict = domain.VerdictBad
		}

		firstBad, err := d.Mark(ctx, verdict)
		if err != nil {
			t.Fatalf("Mark: %v", err)
		}
		if firstBad != "" {
			if firstBad != firstBadWant {
				t.Fatalf("converged to %s, want %s", firstBad, firstBadWant)
			}
			return
		}
	}
	t.Fatal("bisection did not converge within 10 iterations")
}

func reachedOrPast(shas []string, candidate, target string) bool {
	ci, ti := -1, -1
	for i, s := range shas {
		if s == candidate {
			ci = i
		}
		if s == target {
			ti = i
		}
	}
	return ci >= ti
}

func TestBisectDriverStartIsIdempotent(t *testing.T) {
	d, shas := newTestRepo(t)
	ctx := context.Background()
	good, bad := shas[0], shas[4]

	if err := d.Start(ctx, good, bad); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	defer d.Reset(ctx)

	if err := d.Start(ctx, good, bad); err != nil {
		t.Fatalf("second Start should be idempotent, got: %v", err)
	}
}

func TestBisectDriverMarkAllSkippedIsInconclusive(t *testing.T) {
	d, shas := newTestRepo(t)
	ctx := context.Background()
	good, bad := shas[0], shas[4]

	if err := d.Start(ctx, good, bad); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer d.Reset(ctx)

	for i := 0; i < 10; i++ {
		sha, err := d.Current(ctx)
		if err != nil {
			t.Fatalf("Current: %v", err)
		}
		if sha == "" {
			t.Fatal("bisection converged to a real first-bad commit instead of running out of candidates")
		}

		firstBad, err := d.Mark(ctx, domain.VerdictSkip)
		if err != nil {
			t.Fatalf("Mark: %v", err)
		}
		if firstBad != "" {
			if firstBad != domain.FirstBadInconclusive {
				t.Fatalf("expected inconclusive convergence, got firstBad=%q", firstBad)
			}
			return
		}
	}
	t.Fatal("bisection did not run out of skippable candidates within 10 iterations")
}

func TestBisectDriverMarkPendingIsRejected(t *testing.T) {
	d, shas := newTestRepo(t)
	ctx := context.Background()
	if err := d.Start(ctx, shas[0], shas[4]); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer d.Reset(ctx)

	if _, err := d.Mark(ctx, domain.VerdictPending); err == nil {
		t.Fatal("expected an error marking a pending verdict")
	} else if kind, ok := domain.KindOf(err); !ok || kind != domain.ErrVCSMarkRejected {
		t.Fatalf("expected ErrVCSMarkRejected, got %v", err)
	}
}
