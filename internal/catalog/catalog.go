// Package catalog indexes the static challenge definitions consumed by the
// orchestrator. Definitions are read once at startup from challenge.yaml
// files and are immutable for the process lifetime.
package catalog

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	yaml "github.com/oasdiff/yaml3"
	"go.uber.org/zap"
)

// Difficulty buckets a challenge for the discovery UI.
type Difficulty string

const (
	DifficultyBeginner     Difficulty = "beginner"
	DifficultyIntermediate Difficulty = "intermediate"
	DifficultyAdvanced     Difficulty = "advanced"
	DifficultyExpert       Difficulty = "expert"
)

func (d Difficulty) valid() bool {
	switch d {
	case DifficultyBeginner, DifficultyIntermediate, DifficultyAdvanced, DifficultyExpert:
		return true
	}
	return false
}

// ResourceLimits are the per-container resource requests of a challenge.
// Values the security profile does not tighten are applied as-is.
type ResourceLimits struct {
	Memory    string `yaml:"memory"`     // e.g. "256m"
	CPUs      string `yaml:"cpus"`       // e.g. "0.5"
	PidsLimit int64  `yaml:"pids_limit"` // process count ceiling
}

// ContainerSpec describes how the external engine must run a challenge.
type ContainerSpec struct {
	Image           string            `yaml:"image"`
	Ports           []string          `yaml:"ports"` // container ports, e.g. "80/tcp"
	Environment     map[string]string `yaml:"environment"`
	Resources       ResourceLimits    `yaml:"resource_limits"`
	SecurityProfile string            `yaml:"security_profile"`
}

// Hint is opaque to the engine; it is carried for the hint service.
type Hint struct {
	Text    string `yaml:"text"`
	Penalty int    `yaml:"penalty"`
}

// Challenge is one immutable catalog entry.
type Challenge struct {
	ID            string        `yaml:"id"`
	Name          string        `yaml:"name"`
	Difficulty    Difficulty    `yaml:"difficulty"`
	Category      string        `yaml:"category"`
	Points        int           `yaml:"points"`
	Tags          []string      `yaml:"tags"`
	Container     ContainerSpec `yaml:"container_spec"`
	Hints         []Hint        `yaml:"hints"`
	EstimatedTime string        `yaml:"estimated_time"`
}

// Catalog is the interface for looking up challenge definitions.
// Consumers should depend on this interface rather than the concrete Index.
type Catalog interface {
	Get(id string) (*Challenge, error)
	All() []*Challenge
	BuildIndex(baseDir string) error
}

// Compile-time check that Index implements Catalog.
var _ Catalog = (*Index)(nil)

type Index struct {
	mu     sync.RWMutex
	challs map[string]*Challenge
}

func NewIndex(baseDir string) (*Index, error) {
	idx := &Index{
		challs: make(map[string]*Challenge),
	}
	err := idx.BuildIndex(baseDir)
	if err != nil {
		return nil, err
	}
	return idx, nil
}

// NewStaticIndex builds an index from in-memory definitions, useful for tests.
func NewStaticIndex(challs ...*Challenge) *Index {
	idx := &Index{challs: make(map[string]*Challenge)}
	for _, ch := range challs {
		idx.challs[ch.ID] = ch
	}
	return idx
}

func (idx *Index) BuildIndex(baseDir string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.challs = make(map[string]*Challenge)
	err := filepath.WalkDir(baseDir, func(path string, d fs.DirEntry, err error) error {
		if d != nil && d.IsDir() && (d.Name() == ".git" || d.Name() == "node_modules") {
			return filepath.SkipDir
		}
		if err != nil || d.IsDir() || (d.Name() != "challenge.yml" && d.Name() != "challenge.yaml") {
			return err
		}
		chall, err := parseChallenge(path)
		if err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		if _, dup := idx.challs[chall.ID]; dup {
			return fmt.Errorf("duplicate challenge id %q in %s", chall.ID, path)
		}
		idx.challs[chall.ID] = chall
		zap.S().Infof("Registered challenge: %s (%s/%s)", chall.ID, chall.Category, chall.Difficulty)

		return filepath.SkipDir
	})
	return err
}

func (idx *Index) Get(id string) (*Challenge, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	chall, ok := idx.challs[id]
	if !ok {
		return nil, fmt.Errorf("challenge not found: %s", id)
	}
	return chall, nil
}

func (idx *Index) All() []*Challenge {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	challs := make([]*Challenge, 0, len(idx.challs))
	for _, ch := range idx.challs {
		challs = append(challs, ch)
	}
	return challs
}

// CategoryCounts returns challenge counts per category for metrics.
func (idx *Index) CategoryCounts() map[string]int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	counts := make(map[string]int)
	for _, ch := range idx.challs {
		counts[ch.Category]++
	}
	return counts
}

func parseChallenge(challengeFilePath string) (*Challenge, error) {
	data, err := os.ReadFile(challengeFilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read challenge file: %w", err)
	}
	var challenge Challenge
	err = yaml.Unmarshal(data, &challenge)
	if err != nil {
		return nil, fmt.Errorf("failed to parse challenge file: %w", err)
	}
	if challenge.ID == "" {
		return nil, fmt.Errorf("missing id in challenge file")
	}
	if challenge.Name == "" {
		return nil, fmt.Errorf("missing name in challenge file")
	}
	if challenge.Category == "" {
		return nil, fmt.Errorf("missing category in challenge file")
	}
	if !challenge.Difficulty.valid() {
		return nil, fmt.Errorf("invalid difficulty %q", challenge.Difficulty)
	}
	if challenge.Container.Image == "" {
		return nil, fmt.Errorf("missing container_spec.image in challenge file")
	}

	return &challenge, nil
}
