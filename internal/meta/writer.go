// Package meta captures the state needed to reproduce a training run:
// the source-control revision (and any uncommitted changes) of every
// repository involved, the module dependency snapshot of this binary,
// and the exact configuration inputs that produced the run.
package meta

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"

	"github.com/go-git/go-git/v5"
	"go.uber.org/zap"
)

// Writer records reproducibility metadata alongside a run directory.
type Writer struct {
	// Repos are paths inside (or at the root of) the repositories to
	// snapshot. The working tree root is discovered upwards from each.
	Repos []string
	// Files are the composed configuration inputs, copied verbatim so a
	// run directory is self-describing.
	Files []string

	Logger *zap.Logger
}

// Write snapshots every configured repository and input file under
// dir/meta. Running it twice against an unchanged source tree records
// the same revision both times.
func (w *Writer) Write(dir string) error {
	metaDir := filepath.Join(dir, "meta")
	if err := os.MkdirAll(metaDir, 0o755); err != nil {
		return fmt.Errorf("meta: creating %s: %w", metaDir, err)
	}

	for _, repoPath := range w.Repos {
		if err := w.writeRepo(metaDir, repoPath); err != nil {
			return err
		}
	}

	if err := w.writeModules(metaDir); err != nil {
		return err
	}
	return w.copyInputs(metaDir)
}

func (w *Writer) writeRepo(metaDir, repoPath string) error {
	repo, err := git.PlainOpenWithOptions(repoPath, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return fmt.Errorf("meta: opening repository %s: %w", repoPath, err)
	}

	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("meta: worktree of %s: %w", repoPath, err)
	}
	root := wt.Filesystem.Root()
	name := filepath.Base(root)

	head, err := repo.Head()
	if err != nil {
		return fmt.Errorf("meta: HEAD of %s: %w", repoPath, err)
	}

	commitTxt := fmt.Sprintf("%s %s\n", head.Hash(), head.Name().Short())
	if err := os.WriteFile(filepath.Join(metaDir, name+"_commit.txt"), []byte(commitTxt), 0o644); err != nil {
		return fmt.Errorf("meta: writing commit file for %s: %w", name, err)
	}

	status, err := wt.Status()
	if err != nil {
		return fmt.Errorf("meta: status of %s: %w", repoPath, err)
	}
	if err := os.WriteFile(filepath.Join(metaDir, name+"_status.txt"), []byte(status.String()), 0o644); err != nil {
		return fmt.Errorf("meta: writing status file for %s: %w", name, err)
	}

	dirty, err := w.copyDirty(metaDir, name, root, status)
	if err != nil {
		return err
	}
	return writeRestoreScript(metaDir, name, head.Hash().String(), dirty)
}

// copyDirty preserves the worktree content of every modified or
// untracked file so the exact trained code survives later commits.
func (w *Writer) copyDirty(metaDir, name, root string, status git.Status) ([]string, error) {
	var copied []string
	for rel, fs := range status {
		if fs.Worktree == git.Unmodified && fs.Staging == git.Unmodified {
			continue
		}
		if fs.Worktree == git.Deleted || fs.Staging == git.Deleted {
			continue
		}
		dst := filepath.Join(metaDir, name+"_dirty", rel)
		if err := copyFile(filepath.Join(root, rel), dst); err != nil {
			return nil, fmt.Errorf("meta: preserving dirty file %s: %w", rel, err)
		}
		copied = append(copied, rel)
	}
	if len(copied) > 0 && w.Logger != nil {
		w.Logger.Warn("repository has uncommitted changes, preserving worktree copies",
			zap.String("repo", name), zap.Int("files", len(copied)))
	}
	return copied, nil
}

// writeRestoreScript emits a shell script that checks out the recorded
// revision and overlays the preserved dirty files.
func writeRestoreScript(metaDir, name, hash string, dirty []string) error {
	var b strings.Builder
	b.WriteString("#!/bin/sh\n")
	b.WriteString("# Restores the source state recorded for this run.\n")
	b.WriteString("set -e\n")
	// Resolve the meta directory before changing into the repo so the
	// overlay sources stay reachable from any invocation directory.
	b.WriteString("here=\"$(cd \"$(dirname \"$0\")\" && pwd)\"\n")
	b.WriteString("cd \"$(git rev-parse --show-toplevel)\"\n")
	fmt.Fprintf(&b, "git checkout %s\n", hash)
	for _, rel := range dirty {
		fmt.Fprintf(&b, "cp \"$here/%s_dirty/%s\" \"%s\"\n", name, rel, rel)
	}
	path := filepath.Join(metaDir, name+"_restore.sh")
	return os.WriteFile(path, []byte(b.String()), 0o755)
}

// writeModules snapshots the module dependency list of this binary, the
// moral equivalent of freezing an interpreter's package list.
func (w *Writer) writeModules(metaDir string) error {
	info, ok := debug.ReadBuildInfo()
	var b strings.Builder
	if !ok {
		b.WriteString("build info unavailable\n")
	} else {
		fmt.Fprintf(&b, "%s %s\n", info.Main.Path, info.Main.Version)
		for _, dep := range info.Deps {
			fmt.Fprintf(&b, "%s %s\n", dep.Path, dep.Version)
		}
	}
	return os.WriteFile(filepath.Join(metaDir, "modules.txt"), []byte(b.String()), 0o644)
}

func (w *Writer) copyInputs(metaDir string) error {
	if len(w.Files) == 0 {
		return nil
	}
	inputsDir := filepath.Join(metaDir, "inputs")
	used := map[string]bool{}
	for _, f := range w.Files {
		// Inputs are flattened by basename; imports from different
		// directories can collide, so suffix until the name is free.
		name := filepath.Base(f)
		if used[name] {
			ext := filepath.Ext(name)
			stem := strings.TrimSuffix(name, ext)
			for i := 1; used[name]; i++ {
				name = fmt.Sprintf("%s_%d%s", stem, i, ext)
			}
		}
		used[name] = true
		if err := copyFile(f, filepath.Join(inputsDir, name)); err != nil {
			return fmt.Errorf("meta: copying input %s: %w", f, err)
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
