package config

import (
	"fmt"
	"path/filepath"
	"strings"

	homedir "github.com/mitchellh/go-homedir"

	"github.com/sidkik/sftpwatch/pkg/errors"
	"github.com/sidkik/sftpwatch/pkg/remote"
	"github.com/sidkik/sftpwatch/pkg/sync"
)

// Watch contains the settings for mirroring a directory. It can be loaded
// from a file, and is also built from command line flags.
type Watch struct {
	Version string `json:"version,omitempty"`

	// Root is the local directory to watch.
	Root string `json:"root,omitempty"`

	Host         string `json:"host,omitempty"`
	Port         int    `json:"port,omitempty"`
	User         string `json:"user,omitempty"`
	IdentityFile string `json:"identityFile,omitempty"`
	KnownHosts   string `json:"knownHosts,omitempty"`

	// Mappings are in the form "local:remote", e.g. "server/cms:/var/www".
	Mappings []string `json:"mappings,omitempty"`

	// Ignore contains regular expressions matched against absolute local
	// paths.
	Ignore []string `json:"ignore,omitempty"`

	// IgnoreGlobs contains doublestar globs matched against absolute local
	// paths.
	IgnoreGlobs []string `json:"ignoreGlobs,omitempty"`

	// Password is never read from the config file.
	Password string `json:"-"`
}

func (c Watch) getVersion() string {
	return c.Version
}

// SupportedWatchConfigVersion is the version of the config file understood by
// this binary. Files without a version are assumed to be this version.
const SupportedWatchConfigVersion = "v1"

// DefaultIgnore contains the rules that are always applied.
var DefaultIgnore = []string{`.*\.git.*`, `.*\.DS_Store$`}

// DefaultConfigPath is where the config file is looked for if no path is
// given explicitly.
const DefaultConfigPath = "~/.sftpwatch.yaml"

// DefaultKnownHostsPath is the file used to verify host keys.
const DefaultKnownHostsPath = "~/.ssh/known_hosts"

// ParseWatch parses the config file at `path`.
func ParseWatch(path string) (Watch, error) {
	path, err := homedir.Expand(path)
	if err != nil {
		return Watch{}, errors.WithContext(err, "expand homedir")
	}

	config := Watch{Version: SupportedWatchConfigVersion}
	if err := parseConfig(path, &config, SupportedWatchConfigVersion); err != nil {
		return Watch{}, errors.WithContext(err, "parse")
	}
	return config, nil
}

// Merge returns `c` with the values set in `override` taking precedence.
// Lists are concatenated, with the entries from `c` first.
func (c Watch) Merge(override Watch) Watch {
	merged := c
	for _, field := range []struct {
		dst *string
		src string
	}{
		{&merged.Root, override.Root},
		{&merged.Host, override.Host},
		{&merged.User, override.User},
		{&merged.IdentityFile, override.IdentityFile},
		{&merged.KnownHosts, override.KnownHosts},
		{&merged.Password, override.Password},
	} {
		if field.src != "" {
			*field.dst = field.src
		}
	}

	if override.Port != 0 {
		merged.Port = override.Port
	}

	merged.Mappings = concat(c.Mappings, override.Mappings)
	merged.Ignore = concat(c.Ignore, override.Ignore)
	merged.IgnoreGlobs = concat(c.IgnoreGlobs, override.IgnoreGlobs)
	return merged
}

func concat(a, b []string) []string {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	return append(append([]string{}, a...), b...)
}

// Validate checks that the fields required to start watching are set.
func (c Watch) Validate() error {
	for _, field := range []struct {
		name, value string
	}{
		{"host", c.Host},
		{"user", c.User},
		{"root", c.Root},
	} {
		if field.value == "" {
			return errors.MissingFieldError{Field: field.name}
		}
	}

	if len(c.Mappings) == 0 {
		return errors.NewFriendlyError("At least one directory mapping is required.\n" +
			"Pass one with --map, for example `--map server/cms:/var/www/drupal`.")
	}

	if c.Port < 0 || c.Port > 65535 {
		return errors.NewFriendlyError("Invalid port %d.", c.Port)
	}
	return nil
}

// ParseMapping parses a "local:remote" mapping. Only the first colon
// separates the two halves.
func ParseMapping(mapping string) (sync.PathMapping, error) {
	parts := strings.SplitN(mapping, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return sync.PathMapping{}, errors.NewFriendlyError(
			"Invalid mapping %q. Mappings must be in the form "+
				"\"local:remote\", for example \"server/cms:/var/www/drupal\".", mapping)
	}
	return sync.PathMapping{Local: parts[0], Remote: parts[1]}, nil
}

// GetTranslator builds the translator for the watched root. The default
// ignore rules are applied before any configured ones.
func (c Watch) GetTranslator() (sync.Translator, error) {
	root, err := c.getRoot()
	if err != nil {
		return sync.Translator{}, err
	}
	translator := sync.Translator{Root: root}

	for _, pattern := range concat(DefaultIgnore, c.Ignore) {
		rule, err := sync.RegexpRule(pattern)
		if err != nil {
			return sync.Translator{}, errors.NewFriendlyError(
				"Invalid ignore pattern %q: %s", pattern, errors.RootCause(err))
		}
		translator.Ignore = append(translator.Ignore, rule)
	}

	for _, pattern := range c.IgnoreGlobs {
		rule, err := sync.GlobRule(pattern)
		if err != nil {
			return sync.Translator{}, errors.NewFriendlyError(
				"Invalid ignore glob %q.", pattern)
		}
		translator.Ignore = append(translator.Ignore, rule)
	}

	for _, str := range c.Mappings {
		mapping, err := ParseMapping(str)
		if err != nil {
			return sync.Translator{}, err
		}
		translator.Mappings = append(translator.Mappings, mapping)
	}
	return translator, nil
}

// GetRemoteConfig returns the settings for connecting to the remote host.
func (c Watch) GetRemoteConfig() (remote.Config, error) {
	knownHosts := c.KnownHosts
	if knownHosts == "" {
		knownHosts = DefaultKnownHostsPath
	}

	var err error
	remoteConfig := remote.Config{
		Host:     c.Host,
		Port:     c.Port,
		User:     c.User,
		Password: c.Password,
		UseAgent: true,
	}
	remoteConfig.KnownHosts, err = homedir.Expand(knownHosts)
	if err != nil {
		return remote.Config{}, errors.WithContext(err, "expand homedir")
	}

	if c.IdentityFile != "" {
		remoteConfig.IdentityFile, err = homedir.Expand(c.IdentityFile)
		if err != nil {
			return remote.Config{}, errors.WithContext(err, "expand homedir")
		}
	}
	return remoteConfig, nil
}

// getRoot returns the absolute, cleaned root directory.
func (c Watch) getRoot() (string, error) {
	root, err := homedir.Expand(c.Root)
	if err != nil {
		return "", errors.WithContext(err, "expand homedir")
	}

	root, err = filepath.Abs(root)
	if err != nil {
		return "", errors.WithContext(err, fmt.Sprintf("resolve %q", c.Root))
	}
	return root, nil
}
