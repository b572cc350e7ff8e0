// Package gitrepo archives document snapshots as commits in one git
// repository per document.
package gitrepo

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"tandem/api/internal/steps"
)

const (
	contentFile = "content.json"
	branchName  = "main"
)

// ErrNoArchive is returned for documents that were never archived.
var ErrNoArchive = errors.New("document has no archive")

// ErrUnknownRevision is returned by ContentAt for a hash the archive does not hold.
var ErrUnknownRevision = errors.New("unknown archive revision")

// Content is what an archive commit holds: the seed document plus the ledger.
type Content struct {
	DocumentID      string          `json:"documentId"`
	SnapshotVersion int             `json:"snapshotVersion"`
	Version         int             `json:"version"`
	Document        json.RawMessage `json:"document,omitempty"`
	Steps           []steps.Step    `json:"steps"`
}

type CommitInfo struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
	Version   int       `json:"version"`
}

type Archive struct {
	baseDir string
	author  string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir, author string) *Archive {
	if author == "" {
		author = "tandem"
	}
	return &Archive{
		baseDir: baseDir,
		author:  author,
		locks:   make(map[string]*sync.Mutex),
	}
}

// Commit records content on the document's main branch, creating the
// repository on first use. Content equal to the current head is not committed
// again; the head is returned with changed=false.
func (a *Archive) Commit(content Content) (CommitInfo, bool, error) {
	lock := a.documentLock(content.DocumentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := a.openOrInit(content.DocumentID)
	if err != nil {
		return CommitInfo{}, false, err
	}

	if head, err := headCommit(repo); err == nil {
		current, err := readContentFromCommit(head)
		if err != nil {
			return CommitInfo{}, false, err
		}
		if !HasChanges(current, content) {
			return toCommitInfo(head, current.Version), false, nil
		}
	} else if !errors.Is(err, plumbing.ErrReferenceNotFound) {
		return CommitInfo{}, false, err
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return CommitInfo{}, false, fmt.Errorf("open worktree: %w", err)
	}
	payload, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		return CommitInfo{}, false, fmt.Errorf("marshal content: %w", err)
	}
	if err := os.WriteFile(filepath.Join(worktree.Filesystem.Root(), contentFile), append(payload, '\n'), 0o644); err != nil {
		return CommitInfo{}, false, fmt.Errorf("write %s: %w", contentFile, err)
	}
	if _, err := worktree.Add(contentFile); err != nil {
		return CommitInfo{}, false, fmt.Errorf("git add content: %w", err)
	}

	message := fmt.Sprintf("Snapshot %s at version %d", content.DocumentID, content.Version)
	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  a.author,
			Email: a.author + "@localhost",
			When:  time.Now(),
		},
	})
	if err != nil {
		return CommitInfo{}, false, fmt.Errorf("commit content: %w", err)
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return CommitInfo{}, false, fmt.Errorf("read commit object: %w", err)
	}
	return toCommitInfo(commitObj, content.Version), true, nil
}

func (a *Archive) Head(documentID string) (Content, CommitInfo, error) {
	lock := a.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := a.open(documentID)
	if err != nil {
		return Content{}, CommitInfo{}, err
	}
	commitObj, err := headCommit(repo)
	if err != nil {
		return Content{}, CommitInfo{}, err
	}
	content, err := readContentFromCommit(commitObj)
	if err != nil {
		return Content{}, CommitInfo{}, err
	}
	return content, toCommitInfo(commitObj, content.Version), nil
}

func (a *Archive) ContentAt(documentID, hash string) (Content, error) {
	lock := a.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := a.open(documentID)
	if err != nil {
		return Content{}, err
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return Content{}, fmt.Errorf("%w: %s: %v", ErrUnknownRevision, hash, err)
	}
	commitObj, err := repo.CommitObject(*resolved)
	if err != nil {
		return Content{}, fmt.Errorf("read commit %s: %w", hash, err)
	}
	return readContentFromCommit(commitObj)
}

// History lists archive commits, newest first.
func (a *Archive) History(documentID string, limit int) ([]CommitInfo, error) {
	lock := a.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := a.open(documentID)
	if err != nil {
		return nil, err
	}
	head, err := headCommit(repo)
	if err != nil {
		return nil, err
	}
	iter, err := repo.Log(&git.LogOptions{From: head.Hash})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]CommitInfo, 0)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		content, err := readContentFromCommit(commitObj)
		if err != nil {
			return err
		}
		items = append(items, toCommitInfo(commitObj, content.Version))
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// HasChanges compares documents by JSON value and ledgers step by step.
func HasChanges(from, to Content) bool {
	if from.DocumentID != to.DocumentID || from.SnapshotVersion != to.SnapshotVersion || from.Version != to.Version {
		return true
	}
	if !bytes.Equal(normalizeJSON(from.Document), normalizeJSON(to.Document)) {
		return true
	}
	if len(from.Steps) != len(to.Steps) {
		return true
	}
	for i := range from.Steps {
		if !bytes.Equal(normalizeJSON(from.Steps[i]), normalizeJSON(to.Steps[i])) {
			return true
		}
	}
	return false
}

func (a *Archive) open(documentID string) (*git.Repository, error) {
	repo, err := git.PlainOpen(a.repoPath(documentID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("%w: %s", ErrNoArchive, documentID)
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	return repo, nil
}

func (a *Archive) openOrInit(documentID string) (*git.Repository, error) {
	path := a.repoPath(documentID)
	if _, err := os.Stat(path); err == nil {
		return a.open(documentID)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("stat repo path: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err := git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	head := plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(branchName))
	if err := repo.Storer.SetReference(head); err != nil {
		return nil, fmt.Errorf("set HEAD to %s: %w", branchName, err)
	}
	return repo, nil
}

var safeName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// repoPath maps a document ID to a directory. IDs that are not plain names are
// hashed so they cannot escape baseDir.
func (a *Archive) repoPath(documentID string) string {
	name := documentID
	if !safeName.MatchString(documentID) {
		sum := sha256.Sum256([]byte(documentID))
		name = "doc-" + hex.EncodeToString(sum[:16])
	}
	return filepath.Join(a.baseDir, name)
}

func (a *Archive) documentLock(documentID string) *sync.Mutex {
	a.lockMu.Lock()
	defer a.lockMu.Unlock()
	lock, ok := a.locks[documentID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	a.locks[documentID] = lock
	return lock
}

func headCommit(repo *git.Repository) (*object.Commit, error) {
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branchName), true)
	if err != nil {
		return nil, fmt.Errorf("resolve branch %s: %w", branchName, err)
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("load commit object: %w", err)
	}
	return commitObj, nil
}

func readContentFromCommit(commitObj *object.Commit) (Content, error) {
	file, err := commitObj.File(contentFile)
	if err != nil {
		return Content{}, fmt.Errorf("load %s from commit: %w", contentFile, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return Content{}, fmt.Errorf("open content reader: %w", err)
	}
	defer reader.Close()

	payload, err := io.ReadAll(reader)
	if err != nil {
		return Content{}, fmt.Errorf("read content bytes: %w", err)
	}
	var content Content
	if err := json.Unmarshal(payload, &content); err != nil {
		return Content{}, fmt.Errorf("decode commit content: %w", err)
	}
	return content, nil
}

func toCommitInfo(commitObj *object.Commit, version int) CommitInfo {
	return CommitInfo{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
		Version:   version,
	}
}

func normalizeJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	var parsed any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return raw
	}
	normalized, err := json.Marshal(parsed)
	if err != nil {
		return raw
	}
	return normalized
}
