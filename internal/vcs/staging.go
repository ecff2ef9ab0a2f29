package vcs

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
)

// branch is the in-memory working state of one branch.
type branch struct {
	base    string
	files   map[string]string
	commit  string
	message string
}

// staging tracks branches per repository until they are pushed.
type staging struct {
	mu       sync.Mutex
	branches map[string]*branch
}

func newStaging() *staging {
	return &staging{branches: make(map[string]*branch)}
}

func branchKey(repo, name string) string {
	return repo + "\x00" + name
}

func (s *staging) reset(repo, name, base string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.branches[branchKey(repo, name)] = &branch{base: base, files: make(map[string]string)}
}

func (s *staging) write(repo, name, file, content string) error {
	clean, err := cleanPath(file)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.branches[branchKey(repo, name)]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownBranch, name)
	}
	b.files[clean] = content
	b.commit = ""
	return nil
}

// commit derives a content-addressed id from the staged files and message.
func (s *staging) commit(repo, name, message string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.branches[branchKey(repo, name)]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownBranch, name)
	}
	if len(b.files) == 0 {
		return "", fmt.Errorf("nothing to commit on %s", name)
	}
	h := sha256.New()
	fmt.Fprintf(h, "%s\n%s\n%s\n", repo, b.base, message)
	for _, p := range sortedKeys(b.files) {
		fmt.Fprintf(h, "%s\x00%s\x00", p, b.files[p])
	}
	b.commit = hex.EncodeToString(h.Sum(nil))[:12]
	b.message = message
	return b.commit, nil
}

// snapshot returns a copy of a committed branch.
func (s *staging) snapshot(repo, name string) (branch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.branches[branchKey(repo, name)]
	if !ok {
		return branch{}, fmt.Errorf("%w: %s", ErrUnknownBranch, name)
	}
	if b.commit == "" {
		return branch{}, fmt.Errorf("branch %s has uncommitted changes", name)
	}
	files := make(map[string]string, len(b.files))
	for k, v := range b.files {
		files[k] = v
	}
	return branch{base: b.base, files: files, commit: b.commit, message: b.message}, nil
}

func cleanPath(p string) (string, error) {
	clean := path.Clean("/" + strings.TrimSpace(p))[1:]
	if clean == "" || clean == "." {
		return "", fmt.Errorf("invalid file path %q", p)
	}
	return clean, nil
}

// slug flattens a branch name for use as a single path element.
func slug(name string) string {
	return strings.NewReplacer("/", "-", "\\", "-", " ", "-").Replace(name)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
