package meta

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// initRepo creates a git repository with one committed file and returns
// its path.
func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "train.py"), []byte("print('hi')\n"), 0o644))

	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add("train.py")
	require.NoError(t, err)

	_, err = wt.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{Name: "tester", Email: "tester@example.com", When: time.Now()},
	})
	require.NoError(t, err)
	return dir
}

func TestWriteRecordsCommit(t *testing.T) {
	repoDir := initRepo(t)
	runDir := t.TempDir()

	w := &Writer{Repos: []string{repoDir}}
	require.NoError(t, w.Write(runDir))

	name := filepath.Base(repoDir)
	commit, err := os.ReadFile(filepath.Join(runDir, "meta", name+"_commit.txt"))
	require.NoError(t, err)
	assert.Len(t, string(commit), 41+len(" master"), "expected '<40-hex-hash> <branch>\\n'")

	_, err = os.Stat(filepath.Join(runDir, "meta", name+"_status.txt"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(runDir, "meta", name+"_restore.sh"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(runDir, "meta", "modules.txt"))
	assert.NoError(t, err)
}

func TestWriteIsIdempotentForUnchangedTree(t *testing.T) {
	repoDir := initRepo(t)
	w := &Writer{Repos: []string{repoDir}}

	runA, runB := t.TempDir(), t.TempDir()
	require.NoError(t, w.Write(runA))
	require.NoError(t, w.Write(runB))

	name := filepath.Base(repoDir)
	a, err := os.ReadFile(filepath.Join(runA, "meta", name+"_commit.txt"))
	require.NoError(t, err)
	b, err := os.ReadFile(filepath.Join(runB, "meta", name+"_commit.txt"))
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b), "unchanged tree must record the same revision")
}

func TestWritePreservesDirtyFiles(t *testing.T) {
	repoDir := initRepo(t)
	require.NoError(t, os.WriteFile(filepath.Join(repoDir, "train.py"), []byte("print('changed')\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(repoDir, "new.yaml"), []byte("a: 1\n"), 0o644))

	runDir := t.TempDir()
	w := &Writer{Repos: []string{repoDir}}
	require.NoError(t, w.Write(runDir))

	name := filepath.Base(repoDir)
	changed, err := os.ReadFile(filepath.Join(runDir, "meta", name+"_dirty", "train.py"))
	require.NoError(t, err)
	assert.Equal(t, "print('changed')\n", string(changed))

	_, err = os.Stat(filepath.Join(runDir, "meta", name+"_dirty", "new.yaml"))
	assert.NoError(t, err, "untracked files are part of the run state")

	script, err := os.ReadFile(filepath.Join(runDir, "meta", name+"_restore.sh"))
	require.NoError(t, err)
	assert.Contains(t, string(script), "git checkout")
	assert.Contains(t, string(script), "train.py")
}

func TestRestoreScriptReappliesDirtyFiles(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	repoDir := initRepo(t)
	require.NoError(t, os.WriteFile(filepath.Join(repoDir, "train.py"), []byte("print('changed')\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(repoDir, "my notes.txt"), []byte("n1\n"), 0o644))

	runDir := t.TempDir()
	w := &Writer{Repos: []string{repoDir}}
	require.NoError(t, w.Write(runDir))

	// Undo the dirty state to simulate a fresh checkout of the
	// recorded revision.
	require.NoError(t, os.WriteFile(filepath.Join(repoDir, "train.py"), []byte("print('hi')\n"), 0o644))
	require.NoError(t, os.Remove(filepath.Join(repoDir, "my notes.txt")))

	// The script shells out to git for locating the repo and checking
	// out the hash; stub it so only the overlay step is exercised.
	binDir := t.TempDir()
	stub := "#!/bin/sh\nif [ \"$1\" = \"rev-parse\" ]; then echo \"$RESTORE_REPO\"; fi\nexit 0\n"
	require.NoError(t, os.WriteFile(filepath.Join(binDir, "git"), []byte(stub), 0o755))

	name := filepath.Base(repoDir)
	script := filepath.Join(runDir, "meta", name+"_restore.sh")
	cmd := exec.Command("/bin/sh", script)
	cmd.Dir = t.TempDir() // the overlay must not depend on the invocation directory
	cmd.Env = append(os.Environ(),
		"PATH="+binDir+string(os.PathListSeparator)+os.Getenv("PATH"),
		"RESTORE_REPO="+repoDir)
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "restore script failed: %s", out)

	got, err := os.ReadFile(filepath.Join(repoDir, "train.py"))
	require.NoError(t, err)
	assert.Equal(t, "print('changed')\n", string(got))

	notes, err := os.ReadFile(filepath.Join(repoDir, "my notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, "n1\n", string(notes))
}

func TestWriteSubdirectoryDetectsRepoRoot(t *testing.T) {
	repoDir := initRepo(t)
	sub := filepath.Join(repoDir, "configs")
	require.NoError(t, os.MkdirAll(sub, 0o755))

	runDir := t.TempDir()
	w := &Writer{Repos: []string{sub}}
	require.NoError(t, w.Write(runDir))

	name := filepath.Base(repoDir)
	_, err := os.Stat(filepath.Join(runDir, "meta", name+"_commit.txt"))
	assert.NoError(t, err)
}

func TestWriteCopiesInputs(t *testing.T) {
	inputDir := t.TempDir()
	input := filepath.Join(inputDir, "cartpole_ppo.yaml")
	require.NoError(t, os.WriteFile(input, []byte("rllib: {}\n"), 0o644))

	runDir := t.TempDir()
	w := &Writer{Files: []string{input}}
	require.NoError(t, w.Write(runDir))

	got, err := os.ReadFile(filepath.Join(runDir, "meta", "inputs", "cartpole_ppo.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "rllib: {}\n", string(got))
}

func TestWriteDisambiguatesInputBasenames(t *testing.T) {
	dirA, dirB := t.TempDir(), t.TempDir()
	a := filepath.Join(dirA, "base.yaml")
	b := filepath.Join(dirB, "base.yaml")
	require.NoError(t, os.WriteFile(a, []byte("a: 1\n"), 0o644))
	require.NoError(t, os.WriteFile(b, []byte("b: 2\n"), 0o644))

	runDir := t.TempDir()
	w := &Writer{Files: []string{a, b}}
	require.NoError(t, w.Write(runDir))

	first, err := os.ReadFile(filepath.Join(runDir, "meta", "inputs", "base.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "a: 1\n", string(first))

	second, err := os.ReadFile(filepath.Join(runDir, "meta", "inputs", "base_1.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "b: 2\n", string(second))
}

func TestWriteFailsFastOnNonRepo(t *testing.T) {
	runDir := t.TempDir()
	w := &Writer{Repos: []string{t.TempDir()}}
	err := w.Write(runDir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "opening repository")
}
