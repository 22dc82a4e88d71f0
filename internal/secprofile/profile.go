// Package secprofile loads named security profiles and resolves them for
// container creation. A profile bundles the isolation restrictions applied to
// every challenge container: capability allow-list, filesystem mode, run-as
// user, and resource ceilings.
package secprofile

import (
	"fmt"
	"os"
	"sync"

	yaml "github.com/oasdiff/yaml3"
	"go.uber.org/zap"
)

// DefaultProfileName is used when a challenge names no profile or names one
// that does not exist.
const DefaultProfileName = "default"

// Profile is an immutable, named set of container restrictions.
type Profile struct {
	Name           string            `yaml:"-"`
	CapDrop        []string          `yaml:"cap_drop"`
	CapAdd         []string          `yaml:"cap_add"`
	User           string            `yaml:"user"`
	ReadOnlyRootfs bool              `yaml:"read_only_rootfs"`
	SecurityOpts   []string          `yaml:"security_opts"`
	Tmpfs          map[string]string `yaml:"tmpfs"`
	Memory         string            `yaml:"memory"`     // ceiling, e.g. "256m"
	CPUs           string            `yaml:"cpus"`       // ceiling, e.g. "0.5"
	PidsLimit      int64             `yaml:"pids_limit"` // ceiling on process count
	Privileged     bool              `yaml:"privileged"` // must be false, rejected at load
}

type profilesFile struct {
	Profiles map[string]*Profile `yaml:"profiles"`
}

// Resolver maps a profile name to a concrete Profile.
type Resolver interface {
	Resolve(name string) *Profile
}

// Store is the default Resolver, holding profiles loaded at startup.
type Store struct {
	mu       sync.RWMutex
	profiles map[string]*Profile
}

var _ Resolver = (*Store)(nil)

// Load reads profiles from path. An empty path yields a store containing only
// the built-in default profile. A profile requesting privileged mode fails the
// load; it is never deferred to container creation time.
func Load(path string) (*Store, error) {
	store := &Store{profiles: map[string]*Profile{
		DefaultProfileName: DefaultProfile(),
	}}
	if path == "" {
		zap.S().Warn("No security profiles configured, using built-in default only")
		return store, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read security profiles: %w", err)
	}
	var file profilesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse security profiles: %w", err)
	}

	for name, p := range file.Profiles {
		if p == nil {
			return nil, fmt.Errorf("security profile %q is empty", name)
		}
		p.Name = name
		if err := validate(p); err != nil {
			return nil, fmt.Errorf("security profile %q: %w", name, err)
		}
		applyDefaults(p)
		store.profiles[name] = p
	}
	zap.S().Infof("Loaded %d security profiles", len(store.profiles))
	return store, nil
}

// NewStore builds a Store from already-validated profiles, useful for tests.
func NewStore(profiles ...*Profile) *Store {
	store := &Store{profiles: map[string]*Profile{
		DefaultProfileName: DefaultProfile(),
	}}
	for _, p := range profiles {
		store.profiles[p.Name] = p
	}
	return store
}

// Resolve returns the named profile, falling back to the default profile when
// the name is unknown.
func (s *Store) Resolve(name string) *Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.profiles[name]; ok {
		return p
	}
	zap.S().Warnf("Security profile not found: %s, using %s", name, DefaultProfileName)
	return s.profiles[DefaultProfileName]
}

// Names returns the loaded profile names.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.profiles))
	for name := range s.profiles {
		names = append(names, name)
	}
	return names
}

func validate(p *Profile) error {
	if p.Privileged {
		return fmt.Errorf("privileged profiles are not allowed")
	}
	for _, opt := range p.SecurityOpts {
		if opt == "seccomp=unconfined" {
			return fmt.Errorf("seccomp may not be disabled")
		}
	}
	return nil
}

func applyDefaults(p *Profile) {
	if len(p.CapDrop) == 0 {
		p.CapDrop = []string{"ALL"}
	}
	if p.User == "" {
		p.User = "1000:1000"
	}
	if len(p.SecurityOpts) == 0 {
		p.SecurityOpts = []string{"no-new-privileges:true"}
	}
	if p.Tmpfs == nil {
		p.Tmpfs = map[string]string{"/tmp": "rw,noexec,nosuid,size=100m"}
	}
	if p.PidsLimit == 0 {
		p.PidsLimit = 128
	}
}

// DefaultProfile is the hardened baseline applied when nothing else matches:
// all capabilities dropped, read-only rootfs with a scratch tmpfs, unprivileged
// user, and conservative resource ceilings.
func DefaultProfile() *Profile {
	return &Profile{
		Name:           DefaultProfileName,
		CapDrop:        []string{"ALL"},
		CapAdd:         []string{},
		User:           "1000:1000",
		ReadOnlyRootfs: true,
		SecurityOpts:   []string{"no-new-privileges:true"},
		Tmpfs:          map[string]string{"/tmp": "rw,noexec,nosuid,size=100m"},
		Memory:         "256m",
		CPUs:           "0.5",
		PidsLimit:      128,
	}
}
