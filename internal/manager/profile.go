package manager

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Profile describes how to run one provider's CLI: the command template,
// extra environment, and the output patterns the session should watch.
type Profile struct {
	Provider string            `yaml:"provider"`
	Command  []string          `yaml:"command"` // "{task}" is replaced by the spawn task
	Env      map[string]string `yaml:"env,omitempty"`
	// PromptPattern is an extra idle-cursor pattern matched against the
	// bottom terminal row.
	PromptPattern string `yaml:"promptPattern,omitempty"`
	// AuthRevokedPattern flags output lines that mean the CLI's
	// credentials were revoked.
	AuthRevokedPattern string `yaml:"authRevokedPattern,omitempty"`
}

// BuildCommand renders the command line for one spawn. A template slot
// "{task}" is substituted in place; without one the task is appended as
// a final argument when non-empty.
func (p Profile) BuildCommand(task string) []string {
	out := make([]string, 0, len(p.Command)+1)
	substituted := false
	for _, arg := range p.Command {
		if strings.Contains(arg, "{task}") {
			substituted = true
			arg = strings.ReplaceAll(arg, "{task}", task)
		}
		out = append(out, arg)
	}
	if !substituted && task != "" {
		out = append(out, task)
	}
	return out
}

func (p Profile) promptRegexp() (*regexp.Regexp, error) {
	if p.PromptPattern == "" {
		return nil, nil
	}
	return regexp.Compile(p.PromptPattern)
}

func (p Profile) authRegexp() (*regexp.Regexp, error) {
	if p.AuthRevokedPattern == "" {
		return nil, nil
	}
	return regexp.Compile(p.AuthRevokedPattern)
}

// Catalog maps provider tags to profiles. Built-ins cover the common
// coding CLIs; a profiles.yaml can add or override entries.
type Catalog struct {
	profiles map[string]Profile
}

// DefaultCatalog returns the built-in provider profiles.
func DefaultCatalog() *Catalog {
	c := &Catalog{profiles: map[string]Profile{}}
	for _, p := range builtinProfiles {
		c.profiles[p.Provider] = p
	}
	return c
}

var builtinProfiles = []Profile{
	{
		Provider:           "claude",
		Command:            []string{"claude", "{task}"},
		PromptPattern:      `^[│|]\s*>`,
		AuthRevokedPattern: `(?i)(oauth token.*(revoked|expired)|please run /login|authentication[_ ]error)`,
	},
	{
		Provider:           "codex",
		Command:            []string{"codex", "{task}"},
		PromptPattern:      `^[▌│|]\s*`,
		AuthRevokedPattern: `(?i)(token.*(revoked|expired)|codex login)`,
	},
	{
		Provider:           "gemini",
		Command:            []string{"gemini", "-i", "{task}"},
		PromptPattern:      `^[│|>]\s*`,
		AuthRevokedPattern: `(?i)(credentials.*(revoked|expired)|please re-authenticate)`,
	},
}

type catalogFile struct {
	Profiles []Profile `yaml:"profiles"`
}

// LoadCatalog returns the built-ins merged with the profiles in the
// given YAML file; file entries override built-ins per provider tag. An
// empty path yields the built-ins alone.
func LoadCatalog(path string) (*Catalog, error) {
	c := DefaultCatalog()
	if path == "" {
		return c, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile catalog: %w", err)
	}
	var file catalogFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse profile catalog: %w", err)
	}
	for _, p := range file.Profiles {
		if p.Provider == "" || len(p.Command) == 0 {
			return nil, fmt.Errorf("profile catalog entry missing provider or command")
		}
		if _, err := p.promptRegexp(); err != nil {
			return nil, fmt.Errorf("profile %s: bad prompt pattern: %w", p.Provider, err)
		}
		if _, err := p.authRegexp(); err != nil {
			return nil, fmt.Errorf("profile %s: bad auth pattern: %w", p.Provider, err)
		}
		c.profiles[p.Provider] = p
	}
	return c, nil
}

// Get resolves a provider tag.
func (c *Catalog) Get(provider string) (Profile, error) {
	p, ok := c.profiles[provider]
	if !ok {
		return Profile{}, fmt.Errorf("unknown provider %q", provider)
	}
	return p, nil
}

// Providers lists the known provider tags, sorted.
func (c *Catalog) Providers() []string {
	out := make([]string, 0, len(c.profiles))
	for tag := range c.profiles {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}
