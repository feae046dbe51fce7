package storage

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/lehigh-university-libraries/scanmarks/internal/models"
)

// Policy decides whether an existing artifact may be replaced.
type Policy string

const (
	PolicyNever     Policy = "never"
	PolicyIfSameRun Policy = "if_same_run"
	PolicyAlways    Policy = "always"
)

func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.TrimSpace(s)); p {
	case PolicyNever, PolicyIfSameRun, PolicyAlways:
		return p, nil
	case "":
		return PolicyNever, nil
	}
	return "", fmt.Errorf("unknown overwrite policy %q (want never, if_same_run or always)", s)
}

// Action is what a write did, or would have done in dry-run mode.
type Action string

const (
	ActionCreate    Action = "create"
	ActionOverwrite Action = "overwrite"
	ActionUnchanged Action = "unchanged"
	ActionDenied    Action = "denied"
)

// Decision records the outcome of one write request.
type Decision struct {
	Path   string `json:"path"`
	Policy Policy `json:"policy"`
	Action Action `json:"action"`
	DryRun bool   `json:"dry_run"`
}

var (
	ErrOverwriteDenied = errors.New("overwrite denied")
	// ErrCanonicalPath is returned when a general write targets the canonical corpus.
	ErrCanonicalPath = errors.New("canonical corpus path is only writable through the corpus writer")
)

// OverwriteError reports a fail-closed refusal together with the run that
// owns the existing artifact.
type OverwriteError struct {
	Path         string
	Policy       Policy
	OwnerRunID   string
	CurrentRunID string
}

func (e *OverwriteError) Error() string {
	owner := e.OwnerRunID
	if owner == "" {
		owner = "unknown"
	}
	return fmt.Sprintf("refusing to overwrite %s with --overwrite %s (owned by run %s, current run %s)",
		e.Path, e.Policy, owner, e.CurrentRunID)
}

func (e *OverwriteError) Unwrap() error { return ErrOverwriteDenied }

// Store is the only way artifacts reach the filesystem. Every write goes
// through the overwrite policy check and a temp-file-then-rename, and leaves a
// provenance tag naming the run and config that produced it.
type Store struct {
	Run           models.RunMeta
	DryRun        bool
	CanonicalRoot string

	locks     *pathLocks
	mu        sync.Mutex
	decisions []Decision
}

func New(run models.RunMeta, dryRun bool, canonicalRoot string) *Store {
	root := canonicalRoot
	if root != "" {
		if abs, err := filepath.Abs(root); err == nil {
			root = abs
		}
	}
	return &Store{
		Run:           run,
		DryRun:        dryRun,
		CanonicalRoot: root,
		locks:         newPathLocks(),
	}
}

// ResolveRunID returns id when supplied, otherwise a UTC timestamp id.
func ResolveRunID(id string, now func() time.Time) string {
	if id = strings.TrimSpace(id); id != "" {
		return id
	}
	if now == nil {
		now = time.Now
	}
	return now().UTC().Format("20060102T150405Z")
}

// Write stores content at path under policy. Paths inside the canonical
// corpus root are refused.
func (s *Store) Write(path string, content []byte, policy Policy) (Decision, error) {
	if s.isCanonical(path) {
		return Decision{Path: path, Policy: policy, Action: ActionDenied, DryRun: s.DryRun},
			fmt.Errorf("%s: %w", path, ErrCanonicalPath)
	}
	return s.write(path, content, policy)
}

// WriteCanonical stores a canonical corpus file. Only an explicit always
// replaces an existing file; every other policy behaves as never.
func (s *Store) WriteCanonical(path string, content []byte, policy Policy) (Decision, error) {
	effective := PolicyNever
	if policy == PolicyAlways {
		effective = PolicyAlways
	}
	return s.write(path, content, effective)
}

// CommitCanonical replaces a canonical file whose entries the corpus writer
// has already checked against the overwrite policy. Locking, dry-run and
// provenance still apply.
func (s *Store) CommitCanonical(path string, content []byte) (Decision, error) {
	return s.write(path, content, PolicyAlways)
}

func (s *Store) WriteJSON(path string, v any, policy Policy) (Decision, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return Decision{}, fmt.Errorf("failed to marshal %s: %w", path, err)
	}
	return s.Write(path, append(data, '\n'), policy)
}

func (s *Store) WritePNG(path string, img image.Image, policy Policy) (Decision, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return Decision{}, fmt.Errorf("failed to encode %s: %w", path, err)
	}
	return s.Write(path, buf.Bytes(), policy)
}

// Decisions returns every decision recorded so far, in call order.
func (s *Store) Decisions() []Decision {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Decision, len(s.decisions))
	copy(out, s.decisions)
	return out
}

// Exists reports whether path is present.
func (s *Store) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// OwnedByRun reports whether path exists and its provenance tag names the
// current run.
func (s *Store) OwnedByRun(path string) bool {
	if !s.Exists(path) {
		return false
	}
	prov, err := readProvenance(path)
	return err == nil && prov.RunID == s.Run.RunID
}

// Provenance returns the ownership tag stored beside path.
func (s *Store) Provenance(path string) (models.Provenance, error) {
	return readProvenance(path)
}

func (s *Store) write(path string, content []byte, policy Policy) (Decision, error) {
	unlock := s.locks.lock(path)
	defer unlock()

	decision := Decision{Path: path, Policy: policy, DryRun: s.DryRun}
	sum := sha256.Sum256(content)
	digest := hex.EncodeToString(sum[:])

	action, err := s.decide(path, digest, policy)
	decision.Action = action
	s.record(decision)
	if err != nil {
		slog.Warn("Write refused", "path", path, "policy", policy, "err", err)
		return decision, err
	}

	if s.DryRun {
		slog.Info("[dry-run] write", "path", path, "action", action)
		return decision, nil
	}
	if action == ActionUnchanged {
		slog.Debug("Artifact unchanged", "path", path)
		return decision, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return decision, fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	if err := writeAtomic(path, content); err != nil {
		return decision, fmt.Errorf("failed to write %s: %w", path, err)
	}
	prov := models.Provenance{RunID: s.Run.RunID, ConfigHash: s.Run.ConfigHash, SHA256: digest}
	if err := writeProvenance(path, prov); err != nil {
		return decision, fmt.Errorf("failed to tag %s: %w", path, err)
	}
	slog.Debug("Artifact written", "path", path, "action", action)
	return decision, nil
}

// decide applies the overwrite policy. The caller holds the path lock.
func (s *Store) decide(path, digest string, policy Policy) (Action, error) {
	if !s.Exists(path) {
		return ActionCreate, nil
	}
	prov, provErr := readProvenance(path)
	sameContent := provErr == nil && prov.SHA256 == digest && prov.ConfigHash == s.Run.ConfigHash

	switch policy {
	case PolicyAlways:
		if sameContent && prov.RunID == s.Run.RunID {
			return ActionUnchanged, nil
		}
		return ActionOverwrite, nil
	case PolicyIfSameRun:
		if provErr == nil && prov.RunID == s.Run.RunID {
			if sameContent {
				return ActionUnchanged, nil
			}
			return ActionOverwrite, nil
		}
		return ActionDenied, &OverwriteError{Path: path, Policy: policy, OwnerRunID: prov.RunID, CurrentRunID: s.Run.RunID}
	default:
		return ActionDenied, &OverwriteError{Path: path, Policy: PolicyNever, OwnerRunID: prov.RunID, CurrentRunID: s.Run.RunID}
	}
}

func (s *Store) record(d Decision) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisions = append(s.decisions, d)
}

func (s *Store) isCanonical(path string) bool {
	if s.CanonicalRoot == "" {
		return false
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(s.CanonicalRoot, abs)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// ProvenancePath is the hidden tag file stored beside an artifact.
func ProvenancePath(path string) string {
	return filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+".prov.json")
}

func readProvenance(path string) (models.Provenance, error) {
	var prov models.Provenance
	data, err := os.ReadFile(ProvenancePath(path))
	if err != nil {
		return prov, err
	}
	if err := json.Unmarshal(data, &prov); err != nil {
		return prov, fmt.Errorf("malformed provenance for %s: %w", path, err)
	}
	return prov, nil
}

func writeProvenance(path string, prov models.Provenance) error {
	data, err := json.Marshal(prov)
	if err != nil {
		return err
	}
	return writeAtomic(ProvenancePath(path), append(data, '\n'))
}

// pathLocks serializes the check-then-write sequence per path.
type pathLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newPathLocks() *pathLocks {
	return &pathLocks{locks: make(map[string]*sync.Mutex)}
}

func (p *pathLocks) lock(path string) func() {
	key := path
	if abs, err := filepath.Abs(path); err == nil {
		key = abs
	}
	p.mu.Lock()
	l, ok := p.locks[key]
	if !ok {
		l = &sync.Mutex{}
		p.locks[key] = l
	}
	p.mu.Unlock()

	l.Lock()
	return l.Unlock
}
