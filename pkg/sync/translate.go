package sync

import (
	"fmt"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/sidkik/sftpwatch/pkg/errors"
)

var (
	// ErrIgnored is returned by Translate for paths matching an ignore rule.
	ErrIgnored = errors.New("path is ignored")

	// ErrRemoteRoot is returned by Translate when a path would be written to
	// the remote root directory itself. This is always a configuration
	// mistake, so we refuse rather than operate on `/`.
	ErrRemoteRoot = errors.New("path resolves to the remote root")
)

// An IgnoreRule suppresses all processing for local paths that it matches.
type IgnoreRule interface {
	Match(localPath string) bool
	String() string
}

type regexpRule struct {
	re *regexp.Regexp
}

// RegexpRule returns an IgnoreRule that matches absolute local paths against
// `pattern`. The pattern is anchored at the start of the path, but not the
// end, so `.*\.git.*` matches anything inside a .git directory.
func RegexpRule(pattern string) (IgnoreRule, error) {
	re, err := regexp.Compile("^(?:" + pattern + ")")
	if err != nil {
		return nil, errors.WithContext(err, fmt.Sprintf("compile %q", pattern))
	}
	return regexpRule{re}, nil
}

func (r regexpRule) Match(localPath string) bool {
	return r.re.MatchString(localPath)
}

func (r regexpRule) String() string {
	return r.re.String()
}

type globRule struct {
	pattern string
}

// GlobRule returns an IgnoreRule that matches the slash-separated absolute
// local path against a doublestar glob such as `**/node_modules/**`. The
// leading slash is optional in the pattern.
func GlobRule(pattern string) (IgnoreRule, error) {
	if !doublestar.ValidatePattern(pattern) {
		return nil, errors.New(fmt.Sprintf("invalid glob %q", pattern))
	}
	return globRule{pattern}, nil
}

func (r globRule) Match(localPath string) bool {
	slashPath := filepath.ToSlash(localPath)
	if ok, _ := doublestar.Match(r.pattern, slashPath); ok {
		return true
	}
	ok, _ := doublestar.Match(r.pattern, strings.TrimPrefix(slashPath, "/"))
	return ok
}

func (r globRule) String() string {
	return r.pattern
}

// A PathMapping rewrites local paths that start with Local to live under
// Remote on the server.
type PathMapping struct {
	Local  string
	Remote string
}

func (m PathMapping) String() string {
	return m.Local + ":" + m.Remote
}

// Translator converts local event paths into remote paths.
type Translator struct {
	// Root is the watched local directory.
	Root string

	// Ignore is evaluated in order before anything else.
	Ignore []IgnoreRule

	// Mappings are tried in order, and the first match wins even if a later
	// mapping has a longer prefix.
	Mappings []PathMapping
}

// Ignored returns whether any ignore rule matches `localPath`.
func (t Translator) Ignored(localPath string) bool {
	for _, rule := range t.Ignore {
		if rule.Match(localPath) {
			return true
		}
	}
	return false
}

// Translate returns the remote path that `localPath` should be mirrored to.
// It does no I/O.
func (t Translator) Translate(localPath string) (string, error) {
	remotePath, _, err := t.translate(localPath)
	return remotePath, err
}

// translate is Translate, but also reports whether the mapping only matched
// once the root directory's name was prepended.
func (t Translator) translate(localPath string) (remotePath string, viaBase bool, err error) {
	if t.Ignored(localPath) {
		return "", false, ErrIgnored
	}

	relative := t.relative(localPath)
	mapped, ok := t.mapRelative(relative)
	if !ok {
		mapped, viaBase = t.mapWithBase(relative)
		if !viaBase {
			mapped = relative
		}
	}

	if !strings.HasPrefix(mapped, "/") {
		mapped = "/" + mapped
	}

	// The remote side is always POSIX, regardless of the local OS.
	remotePath = path.Clean(mapped)
	if remotePath == "/" {
		return "", viaBase, ErrRemoteRoot
	}
	return remotePath, viaBase, nil
}

// relative strips the root from `localPath`. Paths outside the root are
// treated as already relative.
func (t Translator) relative(localPath string) string {
	slashPath := filepath.ToSlash(localPath)
	root := strings.TrimSuffix(filepath.ToSlash(t.Root), "/")
	if root != "" && (slashPath == root || strings.HasPrefix(slashPath, root+"/")) {
		slashPath = slashPath[len(root):]
	}
	return strings.TrimLeft(slashPath, "/")
}

// mapRelative applies the first mapping whose prefix matches the
// root-relative path.
func (t Translator) mapRelative(relative string) (string, bool) {
	for _, mapping := range t.Mappings {
		if strings.HasPrefix(relative, mapping.Local) {
			return mapping.Remote + "/" + relative[len(mapping.Local):], true
		}
	}
	return "", false
}

// mapWithBase handles mappings that start with the root directory's own name
// (e.g. `site:/var/www` when watching `/home/dev/site`). It's only consulted
// when no mapping matches the root-relative path, and the name must be a
// whole path segment.
func (t Translator) mapWithBase(relative string) (string, bool) {
	base := path.Base(filepath.ToSlash(t.Root))
	if base == "." || base == "/" {
		return "", false
	}

	withBase := base
	if relative != "" {
		withBase = base + "/" + relative
	}

	for _, mapping := range t.Mappings {
		if mapping.Local != base && !strings.HasPrefix(mapping.Local, base+"/") {
			continue
		}
		if strings.HasPrefix(withBase, mapping.Local) {
			return mapping.Remote + "/" + withBase[len(mapping.Local):], true
		}
	}
	return "", false
}
