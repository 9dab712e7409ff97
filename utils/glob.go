package utils

import (
	"strings"

	"github.com/gobwas/glob"
)

// Glob matches keys the way KEYS and SCAN do: * any run, ? one
// character, [abc], [a-z] and [^x] classes, backslash escapes. Unlike
// path.Match a '/' is an ordinary character. A pattern the matcher cannot
// compile is matched literally.
type Glob struct {
	matcher glob.Glob
	any     bool
}

func NewGlob(pattern string) Glob {
	if pattern == "" || pattern == "*" {
		return Glob{any: true}
	}

	matcher, err := glob.Compile(redisToGlob(pattern))
	if err != nil {
		matcher = glob.MustCompile(glob.QuoteMeta(pattern))
	}
	return Glob{matcher: matcher}
}

func (g Glob) Match(s string) bool {
	return g.any || g.matcher.Match(s)
}

func MatchGlob(pattern, s string) bool {
	return NewGlob(pattern).Match(s)
}

// redisToGlob rewrites the Redis dialect into gobwas syntax: braces are
// literal in Redis, classes negate with ^ instead of !, and a class
// mixing ranges and characters becomes an alternation of classes.
func redisToGlob(pattern string) string {
	runes := []rune(pattern)

	var b strings.Builder
	for i := 0; i < len(runes); i++ {
		switch r := runes[i]; r {
		case '\\':
			b.WriteByte('\\')
			if i+1 < len(runes) {
				i++
				b.WriteRune(runes[i])
			} else {
				b.WriteByte('\\')
			}
		case '{', '}':
			b.WriteByte('\\')
			b.WriteRune(r)
		case '[':
			end := classEnd(runes, i+1)
			if end < 0 {
				b.WriteString(`\[`)
				continue
			}
			b.WriteString(translateClass(runes[i+1 : end]))
			i = end
		case ']':
			b.WriteString(`\]`)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

type classItem struct {
	lo, hi rune
}

func translateClass(body []rune) string {
	negate := len(body) > 0 && body[0] == '^'
	if negate {
		body = body[1:]
	}

	var items []classItem
	for i := 0; i < len(body); i++ {
		lo := body[i]
		if lo == '\\' && i+1 < len(body) {
			i++
			lo = body[i]
		}
		if i+2 < len(body) && body[i+1] == '-' {
			hi := body[i+2]
			if lo > hi {
				lo, hi = hi, lo
			}
			items = append(items, classItem{lo: lo, hi: hi})
			i += 2
			continue
		}
		items = append(items, classItem{lo: lo, hi: lo})
	}

	var (
		singles strings.Builder
		ranges  []classItem
		dash    bool
	)
	for _, item := range items {
		switch {
		case item.lo != item.hi:
			ranges = append(ranges, item)
		case item.lo == '-':
			dash = true
		default:
			singles.WriteByte('\\')
			singles.WriteRune(item.lo)
		}
	}
	// An escaped '-' would read as a range to gobwas; unescaped and last it
	// is a plain member.
	if dash {
		singles.WriteByte('-')
	}

	not := ""
	if negate {
		not = "!"
	}

	switch {
	case len(ranges) == 0:
		return "[" + not + singles.String() + "]"
	case len(ranges) == 1 && singles.Len() == 0:
		return "[" + not + string(ranges[0].lo) + "-" + string(ranges[0].hi) + "]"
	case negate:
		// gobwas has no negated union; the empty class fails to compile and
		// the whole pattern is matched literally.
		return "[]"
	}

	alternatives := make([]string, 0, len(ranges)+1)
	for _, rng := range ranges {
		alternatives = append(alternatives, "["+string(rng.lo)+"-"+string(rng.hi)+"]")
	}
	if singles.Len() > 0 {
		alternatives = append(alternatives, "["+singles.String()+"]")
	}
	return "{" + strings.Join(alternatives, ",") + "}"
}

// classEnd finds the ']' closing a class that starts at start. A ']' right
// after the opening bracket (or its ^) belongs to the class.
func classEnd(runes []rune, start int) int {
	i := start
	if i < len(runes) && runes[i] == '^' {
		i++
	}
	for j := i; j < len(runes); j++ {
		if runes[j] == '\\' {
			j++
			continue
		}
		if runes[j] == ']' && j > i {
			return j
		}
	}
	return -1
}
