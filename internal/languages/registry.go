package languages

import (
	"errors"
	"sort"
	"sync"

	"github.com/Harsh-BH/Sentinel/judge/internal/domain"
)

var ErrLanguageNotFound = errors.New("language not found")

// Profile describes how to build and run one language inside a sandbox.
// Argv entries are resolved relative to the sandbox work dir.
type Profile struct {
	ID          domain.Language
	Name        string
	Kind        domain.LanguageKind
	Version     string
	Compiler    string
	Image       string
	SourceFile  string
	CompileArgv []string
	RunArgv     []string
}

// Info returns the public description of the profile.
func (p Profile) Info() domain.LanguageInfo {
	return domain.LanguageInfo{
		Name:     p.ID,
		Kind:     p.Kind,
		Version:  p.Version,
		Compiler: p.Compiler,
	}
}

// Registry holds the supported language profiles.
type Registry struct {
	mu       sync.RWMutex
	profiles map[domain.Language]Profile
}

// NewRegistry returns a registry with the built-in profiles. Non-empty
// entries in images replace the default image of that language.
func NewRegistry(images map[domain.Language]string) *Registry {
	r := &Registry{profiles: make(map[domain.Language]Profile)}
	r.registerDefaults()
	for lang, img := range images {
		if img == "" {
			continue
		}
		if p, ok := r.profiles[lang]; ok {
			p.Image = img
			r.profiles[lang] = p
		}
	}
	return r
}

func (r *Registry) Register(p Profile) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.profiles[p.ID] = p
}

func (r *Registry) Get(id domain.Language) (Profile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[id]
	if !ok {
		return Profile{}, ErrLanguageNotFound
	}
	return p, nil
}

// List returns every profile ordered by id.
func (r *Registry) List() []Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Profile, 0, len(r.profiles))
	for _, p := range r.profiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Images returns the distinct images used by the registered profiles.
func (r *Registry) Images() []string {
	seen := make(map[string]struct{})
	var images []string
	for _, p := range r.List() {
		if _, ok := seen[p.Image]; ok {
			continue
		}
		seen[p.Image] = struct{}{}
		images = append(images, p.Image)
	}
	return images
}

func (r *Registry) registerDefaults() {
	r.Register(Profile{
		ID:          domain.LangCpp,
		Name:        "C++",
		Kind:        domain.KindCompiledNative,
		Version:     "C++17",
		Compiler:    "g++",
		Image:       "gcc:latest",
		SourceFile:  "main.cpp",
		CompileArgv: []string{"g++", "-std=c++17", "-O2", "-o", "main", "main.cpp"},
		RunArgv:     []string{"./main"},
	})

	r.Register(Profile{
		ID:         domain.LangPython,
		Name:       "Python",
		Kind:       domain.KindInterpreted,
		Version:    "3.9",
		Image:      "python:3.9-slim-buster",
		SourceFile: "main.py",
		RunArgv:    []string{"python3", "main.py"},
	})

	r.Register(Profile{
		ID:          domain.LangJava,
		Name:        "Java",
		Kind:        domain.KindCompiledBytecode,
		Version:     "17",
		Compiler:    "javac",
		Image:       "openjdk:17-jdk-slim",
		SourceFile:  "Main.java",
		CompileArgv: []string{"javac", "Main.java"},
		RunArgv:     []string{"java", "-cp", ".", "Main"},
	})
}
