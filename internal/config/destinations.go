package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

// Destination is a managed directory whose contents are fully owned and
// replaced by the synchronizer. Destinations are constructed once at load
// time and immutable afterwards.
type Destination struct {
	Name     string
	Path     string
	Triggers []string
	Sources  []Source
}

// Source is a named group of entries sharing one transform
type Source struct {
	Name      string
	Transform Transform
	Entries   []Entry
}

// EntryKind identifies the concrete origin of a source entry
type EntryKind string

const (
	EntryURL      EntryKind = "url"
	EntryGitHub   EntryKind = "github"
	EntryModrinth EntryKind = "modrinth"
	EntryPath     EntryKind = "path"
)

// Entry is one concrete remote or local origin of file data. Exactly one
// variant is populated, selected by Kind.
type Entry struct {
	Name string
	Kind EntryKind

	// url
	URL string

	// github: Repo is "owner/repository". Artifact selects among multiple
	// CI artifacts by name; empty is only valid when the run produced one.
	Repo     string
	Branch   string
	Artifact string

	// modrinth
	Project     string
	GameVersion string

	// path
	Path string
}

// Transform describes how an entry's payload becomes destination files.
// A nil Unzip list passes the payload through as a single file named after
// the entry.
type Transform struct {
	Unzip []Filter
}

// IsUnzip reports whether the transform extracts an archive.
func (t Transform) IsUnzip() bool {
	return t.Unzip != nil
}

// Filter is a glob pattern with a polarity bit. Patterns prefixed with "!"
// exclude matching archive paths.
type Filter struct {
	Pattern string
	Exclude bool
}

// DestinationList preserves the declaration order of a YAML mapping of
// destination name to destination body. Order matters: when two sources
// produce the same relative path, the later-declared source wins.
type DestinationList []Destination

// UnmarshalYAML implements yaml.Unmarshaler
func (l *DestinationList) UnmarshalYAML(node *yaml.Node) error {
	pairs, err := mappingPairs(node, "destinations")
	if err != nil {
		return err
	}

	list := make(DestinationList, 0, len(pairs))
	for _, pair := range pairs {
		var body struct {
			Path     string     `yaml:"path"`
			Triggers []string   `yaml:"triggers"`
			Sources  sourceList `yaml:"sources"`
		}
		if err := pair.value.Decode(&body); err != nil {
			return fmt.Errorf("destination %q: %w", pair.key, err)
		}
		list = append(list, Destination{
			Name:     pair.key,
			Path:     body.Path,
			Triggers: body.Triggers,
			Sources:  body.Sources,
		})
	}

	*l = list
	return nil
}

type sourceList []Source

func (l *sourceList) UnmarshalYAML(node *yaml.Node) error {
	pairs, err := mappingPairs(node, "sources")
	if err != nil {
		return err
	}

	list := make(sourceList, 0, len(pairs))
	for _, pair := range pairs {
		var body struct {
			Transform Transform `yaml:"transform"`
			Entries   entryList `yaml:"entries"`
		}
		if err := pair.value.Decode(&body); err != nil {
			return fmt.Errorf("source %q: %w", pair.key, err)
		}
		list = append(list, Source{
			Name:      pair.key,
			Transform: body.Transform,
			Entries:   body.Entries,
		})
	}

	*l = list
	return nil
}

type entryList []Entry

func (l *entryList) UnmarshalYAML(node *yaml.Node) error {
	pairs, err := mappingPairs(node, "entries")
	if err != nil {
		return err
	}

	list := make(entryList, 0, len(pairs))
	for _, pair := range pairs {
		entry, err := decodeEntry(pair.key, pair.value)
		if err != nil {
			return err
		}
		list = append(list, entry)
	}

	*l = list
	return nil
}

func decodeEntry(name string, node *yaml.Node) (Entry, error) {
	var raw struct {
		URL         string `yaml:"url"`
		GitHub      string `yaml:"github"`
		Branch      string `yaml:"branch"`
		Artifact    string `yaml:"artifact"`
		Modrinth    string `yaml:"modrinth"`
		GameVersion string `yaml:"game_version"`
		Path        string `yaml:"path"`
	}
	if err := node.Decode(&raw); err != nil {
		return Entry{}, fmt.Errorf("entry %q: %w", name, err)
	}

	entry := Entry{Name: name}

	kinds := 0
	if raw.URL != "" {
		entry.Kind = EntryURL
		entry.URL = raw.URL
		kinds++
	}
	if raw.GitHub != "" {
		entry.Kind = EntryGitHub
		entry.Repo = raw.GitHub
		entry.Branch = raw.Branch
		entry.Artifact = raw.Artifact
		if entry.Branch == "" {
			entry.Branch = "main"
		}
		kinds++
	}
	if raw.Modrinth != "" {
		entry.Kind = EntryModrinth
		entry.Project = raw.Modrinth
		entry.GameVersion = raw.GameVersion
		kinds++
	}
	if raw.Path != "" {
		entry.Kind = EntryPath
		entry.Path = raw.Path
		kinds++
	}

	if kinds != 1 {
		return Entry{}, fmt.Errorf("entry %q must declare exactly one of url, github, modrinth or path", name)
	}

	if entry.Kind == EntryGitHub {
		if parts := strings.Split(entry.Repo, "/"); len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return Entry{}, fmt.Errorf("entry %q: github reference %q is not of the form owner/repository", name, entry.Repo)
		}
	}

	return entry, nil
}

// UnmarshalYAML implements yaml.Unmarshaler. The transform body is either
// absent (pass-through) or carries an ordered unzip filter list.
func (t *Transform) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		Unzip []string `yaml:"unzip"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}

	if raw.Unzip == nil {
		*t = Transform{}
		return nil
	}

	filters := make([]Filter, 0, len(raw.Unzip))
	for _, pattern := range raw.Unzip {
		filter := Filter{Pattern: pattern}
		if strings.HasPrefix(pattern, "!") {
			filter.Exclude = true
			filter.Pattern = pattern[1:]
		}
		if !doublestar.ValidatePattern(filter.Pattern) {
			return fmt.Errorf("invalid unzip filter pattern %q", pattern)
		}
		filters = append(filters, filter)
	}

	t.Unzip = filters
	return nil
}

type yamlPair struct {
	key   string
	value *yaml.Node
}

// mappingPairs returns the key/value pairs of a YAML mapping node in
// declaration order, rejecting duplicate keys.
func mappingPairs(node *yaml.Node, what string) ([]yamlPair, error) {
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%s must be a mapping of names", what)
	}

	seen := make(map[string]bool, len(node.Content)/2)
	pairs := make([]yamlPair, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		if seen[key] {
			return nil, fmt.Errorf("%s: duplicate name %q", what, key)
		}
		seen[key] = true
		pairs = append(pairs, yamlPair{key: key, value: node.Content[i+1]})
	}

	return pairs, nil
}

// expandEnv expands environment variables in the destination's string fields
func (d *Destination) expandEnv() {
	d.Path = os.ExpandEnv(d.Path)
	for i := range d.Sources {
		for j := range d.Sources[i].Entries {
			entry := &d.Sources[i].Entries[j]
			entry.URL = os.ExpandEnv(entry.URL)
			entry.Path = os.ExpandEnv(entry.Path)
		}
	}
}

// validate checks destination-level constraints
func (d Destination) validate(triggers map[string]Trigger) error {
	if d.Path == "" {
		return fmt.Errorf("destination %q: path is required", d.Name)
	}
	if filepath.IsAbs(d.Path) {
		return fmt.Errorf("destination %q: path must be relative to paths.root: %s", d.Name, d.Path)
	}
	if !filepath.IsLocal(d.Path) {
		return fmt.Errorf("destination %q: path escapes the managed root: %s", d.Name, d.Path)
	}

	if len(d.Triggers) == 0 {
		return fmt.Errorf("destination %q: at least one trigger is required", d.Name)
	}
	for _, name := range d.Triggers {
		if _, ok := triggers[name]; !ok {
			return fmt.Errorf("destination %q: unknown trigger %q", d.Name, name)
		}
	}

	for _, src := range d.Sources {
		if len(src.Entries) == 0 {
			return fmt.Errorf("destination %q: source %q declares no entries", d.Name, src.Name)
		}
	}

	return nil
}
