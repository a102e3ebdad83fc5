// Copyright 2024 The Htdeploy Authors. All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package pathfilter decides which local paths participate in a
// deployment, honoring an ordered include/ignore pattern list with
// negation. Patterns compile once to gobwas/glob matchers; decisions
// are memoized per path.
package pathfilter

import (
	"path"
	"strings"
	"sync"

	"github.com/gobwas/glob"
	"github.com/pkg/errors"

	"github.com/dgrijalva-labs/htdeploy/internal/htderrors"
)

// rule is one compiled pattern from an include or ignore list.
type rule struct {
	raw      string
	negate   bool // leading "!"
	dirOnly  bool // trailing "/"
	anchored bool // leading "/"
	g        glob.Glob
	gUnder   glob.Glob // matches anything below the pattern (directory contents)
}

// Filter evaluates accepts(relPath, isDir) against an ordered include
// list and an ordered ignore list: last matching
// pattern in a list wins; a non-empty include list defaults to reject,
// an ignore list defaults to accept.
type Filter struct {
	include []rule
	ignore  []rule

	mu    sync.Mutex
	cache map[string]bool
}

// New compiles the include/ignore pattern lists. Patterns follow the
// token grammar (`/foo`, `foo`, `foo/`, `*`, `**`,
// `?`, `[abc]`); an invalid pattern is reported as a FilterError.
func New(includePatterns, ignorePatterns []string) (*Filter, error) {
	f := &Filter{cache: make(map[string]bool)}
	var err error
	if f.include, err = compileRules(includePatterns); err != nil {
		return nil, err
	}
	if f.ignore, err = compileRules(ignorePatterns); err != nil {
		return nil, err
	}
	return f, nil
}

func compileRules(patterns []string) ([]rule, error) {
	rules := make([]rule, 0, len(patterns))
	for _, p := range patterns {
		r, err := compileRule(p)
		if err != nil {
			return nil, htderrors.New(htderrors.KindFilter, "compile pattern "+p, err)
		}
		rules = append(rules, r)
	}
	return rules, nil
}

func compileRule(p string) (rule, error) {
	raw := p
	negate := strings.HasPrefix(p, "!")
	if negate {
		p = p[1:]
	}
	dirOnly := strings.HasSuffix(p, "/") && p != "/"
	if dirOnly {
		p = strings.TrimSuffix(p, "/")
	}
	anchored := strings.HasPrefix(p, "/")
	pat := strings.TrimPrefix(p, "/")
	if pat == "" {
		pat = "**"
	} else if !anchored {
		// A pattern with no leading "/" matches in any directory, i.e. it
		// is implicitly prefixed with "**/".
		pat = "**/" + pat
	}

	g, err := glob.Compile(pat, '/')
	if err != nil {
		return rule{}, errors.Wrapf(err, "invalid pattern %q", raw)
	}
	// A pattern naming a directory also matches everything beneath it
	// (e.g. ignoring "/vendor" ignores "/vendor/lib.php" too).
	gUnder, err := glob.Compile(pat+"/**", '/')
	if err != nil {
		return rule{}, errors.Wrapf(err, "invalid pattern %q", raw)
	}
	return rule{raw: raw, negate: negate, dirOnly: dirOnly, anchored: anchored, g: g, gUnder: gUnder}, nil
}

func (r rule) matches(relPath string, isDir bool) bool {
	clean := strings.TrimPrefix(path.Clean(relPath), "/")
	if !r.anchored {
		// Keep the leading "/" so the implicit "**/" prefix also matches
		// entries directly under the root.
		clean = "/" + clean
	}
	if r.gUnder.Match(clean) {
		return true
	}
	if r.dirOnly && !isDir {
		return false
	}
	return r.g.Match(clean)
}

// lastMatch evaluates an ordered rule list against relPath, returning the
// decision of the last matching rule and whether any rule matched at all.
func lastMatch(rules []rule, relPath string, isDir bool) (decision bool, matched bool) {
	for _, r := range rules {
		if r.matches(relPath, isDir) {
			matched = true
			decision = !r.negate
		}
	}
	return decision, matched
}

// Accepts reports whether relPath (POSIX-normalized, rooted at "/")
// participates in the deployment. A path is included iff the include
// list accepts it AND the ignore list does not reject it.
func (f *Filter) Accepts(relPath string, isDir bool) bool {
	key := relPath
	if isDir {
		key += "/"
	}
	f.mu.Lock()
	if v, ok := f.cache[key]; ok {
		f.mu.Unlock()
		return v
	}
	f.mu.Unlock()

	included := true
	if len(f.include) > 0 {
		decision, matched := lastMatch(f.include, relPath, isDir)
		included = matched && decision
	}

	// In the ignore list, a matching non-negated pattern's "normal sense"
	// is exclusion; a negated pattern's match re-includes, i.e. decision
	// (the list's normal-sense action) directly is the reject verdict.
	rejected := false
	if decision, matched := lastMatch(f.ignore, relPath, isDir); matched {
		rejected = decision
	}

	result := included && !rejected

	f.mu.Lock()
	f.cache[key] = result
	f.mu.Unlock()
	return result
}

// MayDescend reports whether a directory at relPath should be walked at
// all. over-descending is acceptable for simplicity; this
// implementation prunes only when the directory itself is definitively
// rejected by an unconditional (non-negated-reachable) ignore rule and
// the include list, if present, could not possibly match anything below
// it — a conservative approximation that never prunes a path Accepts
// would otherwise allow.
func (f *Filter) MayDescend(relPath string) bool {
	if len(f.include) == 0 {
		return f.Accepts(relPath, true) || f.hasNegationUnder(relPath)
	}
	return true
}

// hasNegationUnder reports whether any ignore-list rule is a negation,
// which makes pruning below relPath unsafe in general (a descendant may
// be re-included). This keeps MayDescend conservative.
func (f *Filter) hasNegationUnder(string) bool {
	for _, r := range f.ignore {
		if r.negate {
			return true
		}
	}
	return false
}
