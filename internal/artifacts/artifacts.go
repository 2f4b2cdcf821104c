// Package artifacts archives the files a build produced.
package artifacts

import (
	"archive/tar"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/klauspost/compress/gzip"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"

	"github.com/bosondata/badwolf/internal/ci"
	"github.com/bosondata/badwolf/internal/common"
	"github.com/bosondata/badwolf/internal/spec"
)

const (
	ArchiveName  = "artifacts.tar.gz"
	ChecksumName = "B3SUM"
)

// Result describes a saved archive.
type Result struct {
	CommitDir string
	// BranchDir is set when the branch alias was updated.
	BranchDir string
	Files     int
	Checksum  string
}

type Saver struct {
	dir string
	run common.CommandRunner
}

// NewSaver stores archives under dir. run evaluates "$" paths; nil uses
// common.RunCommand.
func NewSaver(dir string, run common.CommandRunner) *Saver {
	if run == nil {
		run = common.RunCommand
	}
	return &Saver{dir: dir, run: run}
}

// RepoDir is the directory holding all archives of repository.
func (s *Saver) RepoDir(repository string) string {
	return filepath.Join(s.dir, filepath.FromSlash(repository))
}

// Path is the archive file of a repository at ref (commit or branch).
func (s *Saver) Path(repository, ref, name string) string {
	return filepath.Join(s.RepoDir(repository), ref, name)
}

// Save archives the configured paths of the clone. It returns nil when no
// file matched. On a successful branch or tag build the branch directory is
// pointed at the new archive.
func (s *Saver) Save(ctx context.Context, bctx *ci.Context, arts spec.Artifacts, buildSuccess bool) (*Result, error) {
	logger := common.GetLogger().With(zap.String("repo", bctx.Repository), zap.String("task_id", bctx.TaskID))

	paths := s.resolvePaths(ctx, bctx, arts)
	if len(paths) == 0 {
		logger.Info("no artifacts paths found")
		return nil, nil
	}

	commitDir := filepath.Join(s.RepoDir(bctx.Repository), bctx.Source.Commit)
	if err := os.MkdirAll(commitDir, 0o755); err != nil {
		return nil, err
	}
	archive := filepath.Join(commitDir, ArchiveName)
	added, err := writeArchive(archive, bctx.ClonePath, paths, arts.Excludes, logger)
	if err != nil || added == 0 {
		if rmErr := os.RemoveAll(commitDir); rmErr != nil {
			logger.Error("clean empty artifacts failed", zap.Error(rmErr))
		}
		return nil, err
	}

	sum, err := checksum(archive)
	if err != nil {
		return nil, err
	}
	line := fmt.Sprintf("%s  %s\n", sum, ArchiveName)
	if err := os.WriteFile(filepath.Join(commitDir, ChecksumName), []byte(line), 0o644); err != nil {
		return nil, err
	}
	logger.Info("saved artifacts", zap.String("path", commitDir), zap.Int("files", added))

	res := &Result{CommitDir: commitDir, Files: added, Checksum: sum}
	if buildSuccess && (bctx.Type == ci.EventBranch || bctx.Type == ci.EventTag) {
		branchDir := filepath.Join(s.RepoDir(bctx.Repository), bctx.Source.Branch)
		if err := linkLatest(commitDir, branchDir); err != nil {
			return res, err
		}
		res.BranchDir = branchDir
		logger.Info("saved artifacts", zap.String("path", branchDir))
	}
	return res, nil
}

// resolvePaths expands glob patterns against the clone and paths containing
// "$" through the shell in the clone. Expanded shell values are ':'
// separated. A pattern without matches is kept literally.
func (s *Saver) resolvePaths(ctx context.Context, bctx *ci.Context, arts spec.Artifacts) []string {
	var paths []string
	for _, p := range arts.Paths {
		if !strings.Contains(p, "$") {
			for _, x := range globPaths(bctx.ClonePath, p) {
				if !excluded(x, arts.Excludes) {
					paths = append(paths, x)
				}
			}
			continue
		}
		code, output, err := s.run(ctx, common.ShellCommand(bctx.ClonePath, "echo "+p, bctx.Environment))
		if err != nil || code != 0 {
			common.GetLogger().Warn("evaluate artifacts path failed", zap.String("path", p), zap.Int("exit_code", code), zap.Error(err))
			continue
		}
		for _, x := range strings.Split(strings.TrimSpace(output), ":") {
			if x != "" && !excluded(x, arts.Excludes) {
				paths = append(paths, x)
			}
		}
	}
	return paths
}

func globPaths(root, pattern string) []string {
	clean := strings.TrimPrefix(filepath.ToSlash(pattern), "./")
	matches, err := doublestar.Glob(os.DirFS(root), clean)
	if err != nil || len(matches) == 0 {
		if err != nil {
			common.GetLogger().Warn("invalid artifacts pattern", zap.String("path", pattern), zap.Error(err))
		}
		return []string{pattern}
	}
	return matches
}

func excluded(path string, excludes []string) bool {
	path = filepath.ToSlash(path)
	for _, pattern := range excludes {
		if ok, err := doublestar.Match(pattern, path); err == nil && ok {
			return true
		}
		if ok, err := doublestar.Match(pattern, filepath.Base(path)); err == nil && ok && !strings.Contains(pattern, "/") {
			return true
		}
	}
	return false
}

func writeArchive(archive, root string, paths, excludes []string, logger *zap.Logger) (int, error) {
	f, err := os.Create(archive)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)

	added := 0
	for _, p := range paths {
		n, err := addPath(tw, root, filepath.Clean(p), excludes)
		if errors.Is(err, fs.ErrNotExist) {
			logger.Error("artifact not found", zap.String("path", p))
			continue
		}
		if err != nil {
			return added, err
		}
		added += n
	}
	if err := tw.Close(); err != nil {
		return added, err
	}
	if err := gz.Close(); err != nil {
		return added, err
	}
	return added, f.Close()
}

func addPath(tw *tar.Writer, root, rel string, excludes []string) (int, error) {
	if rel == ".." || strings.HasPrefix(rel, "../") || filepath.IsAbs(rel) {
		return 0, fmt.Errorf("artifact path %q is outside the repository", rel)
	}
	added := 0
	err := filepath.WalkDir(filepath.Join(root, rel), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		name = filepath.ToSlash(name)
		if name != filepath.ToSlash(rel) && excluded(name, excludes) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		link := ""
		if info.Mode()&os.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				return err
			}
		}
		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		hdr.Name = name
		if d.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			src, err := os.Open(path)
			if err != nil {
				return err
			}
			_, err = io.Copy(tw, src)
			src.Close()
			if err != nil {
				return err
			}
		}
		added++
		return nil
	})
	return added, err
}

func checksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// linkLatest replaces the files of branchDir with symlinks into commitDir.
func linkLatest(commitDir, branchDir string) error {
	if err := os.MkdirAll(branchDir, 0o755); err != nil {
		return err
	}
	for _, name := range []string{ArchiveName, ChecksumName} {
		link := filepath.Join(branchDir, name)
		if err := os.Remove(link); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		if err := os.Symlink(filepath.Join(commitDir, name), link); err != nil {
			return err
		}
	}
	return nil
}
