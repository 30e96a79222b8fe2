package sft

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FindFiles resolves a file pattern into a sorted, de-duplicated list of
// paths. A pattern is one or more `;`-separated parts, each of which is a
// literal path, a glob (`*`, `?`, `[set]`, `[^set]`, `\x`; the glob applies
// to the final path element only), or `list:<file>` naming a text file with
// one pattern per line (`#`/`%` comments allowed, `file://localhost/` and
// `file:///` prefixes stripped). Zero resolved paths is ErrNoMatch.
func FindFiles(pattern string) ([]string, error) {
	paths, err := resolvePattern(pattern)
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	out := paths[:0]
	for i, p := range paths {
		if i == 0 || p != paths[i-1] {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%q: %w", pattern, ErrNoMatch)
	}
	return out, nil
}

func resolvePattern(pattern string) ([]string, error) {
	var out []string
	for _, part := range strings.Split(pattern, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		switch {
		case strings.HasPrefix(part, "list:"):
			paths, err := resolveListFile(strings.TrimPrefix(part, "list:"))
			if err != nil {
				return nil, err
			}
			out = append(out, paths...)
		case strings.ContainsAny(part, "*?["):
			paths, err := resolveGlob(part)
			if err != nil {
				return nil, err
			}
			out = append(out, paths...)
		default:
			// Literal paths pass through unchecked; a missing file
			// surfaces when the catalog opens it.
			out = append(out, part)
		}
	}
	return out, nil
}

func resolveListFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open list file: %w", err)
	}
	defer f.Close()

	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || line[0] == '#' || line[0] == '%' {
			continue
		}
		if rest, ok := strings.CutPrefix(line, "file://localhost/"); ok {
			line = "/" + rest
		} else if rest, ok := strings.CutPrefix(line, "file:///"); ok {
			line = "/" + rest
		}
		paths, err := resolvePattern(line)
		if err != nil {
			return nil, err
		}
		out = append(out, paths...)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read list file %s: %w", path, err)
	}
	return out, nil
}

// resolveGlob matches the final element of pattern against the entries of
// its directory. The directory part is taken literally.
func resolveGlob(pattern string) ([]string, error) {
	dir, elem := filepath.Split(pattern)
	if dir == "" {
		dir = "."
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read directory for pattern %q: %w", pattern, err)
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if name == "." || name == ".." {
			continue
		}
		if amatch(name, elem) {
			out = append(out, filepath.Join(dir, name))
		}
	}
	return out, nil
}

// amatch is the glob matcher the pattern dialect is defined by: `*` matches
// any run, `?` any single byte, `[...]` a set (leading `^` negates, `-`
// ranges, `\` escapes), `\x` a literal x. Unterminated sets match nothing.
func amatch(str, pat string) bool {
	for len(pat) > 0 {
		switch c := pat[0]; c {
		case '*':
			pat = pat[1:]
			if pat == "" {
				return true
			}
			for i := 0; i <= len(str); i++ {
				if amatch(str[i:], pat) {
					return true
				}
			}
			return false
		case '?':
			if str == "" {
				return false
			}
			str, pat = str[1:], pat[1:]
		case '[':
			if str == "" {
				return false
			}
			ok, rest := matchSet(str[0], pat[1:])
			if !ok {
				return false
			}
			str, pat = str[1:], rest
		case '\\':
			pat = pat[1:]
			if pat == "" || str == "" || str[0] != pat[0] {
				return false
			}
			str, pat = str[1:], pat[1:]
		default:
			if str == "" || str[0] != c {
				return false
			}
			str, pat = str[1:], pat[1:]
		}
	}
	return str == ""
}

// matchSet matches c against the set body following `[`; rest is the
// pattern after the closing `]`.
func matchSet(c byte, pat string) (bool, string) {
	negate := false
	if strings.HasPrefix(pat, "^") {
		negate = true
		pat = pat[1:]
	}
	matched := false
	first := true
	for len(pat) > 0 && (first || pat[0] != ']') {
		first = false
		lo := pat[0]
		pat = pat[1:]
		if lo == '\\' && len(pat) > 0 {
			lo = pat[0]
			pat = pat[1:]
		}
		hi := lo
		if len(pat) >= 2 && pat[0] == '-' && pat[1] != ']' {
			hi = pat[1]
			pat = pat[2:]
			if hi == '\\' && len(pat) > 0 {
				hi = pat[0]
				pat = pat[1:]
			}
		}
		if c >= lo && c <= hi {
			matched = true
		}
	}
	if len(pat) == 0 {
		return false, ""
	}
	if negate {
		matched = !matched
	}
	return matched, pat[1:]
}
