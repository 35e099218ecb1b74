package bootcfg

import (
	"fmt"
	"strings"

	"gpu-passthrough/pkg/types"
)

// CmdlineLine is the parsed kernel-parameter assignment in the bootloader
// defaults file, e.g. GRUB_CMDLINE_LINUX_DEFAULT="quiet splash". Suffix
// holds whatever follows the closing quote (spaces, an inline comment) and
// EOL a trailing carriage return; both are written back unchanged.
type CmdlineLine struct {
	Indent string
	Key    string
	Quote  string
	Tokens []string
	Suffix string
	EOL    string
}

// ParseCmdlineLine parses a KEY="a b c" assignment. ok reports whether the
// line assigns key at all; err is set when it does but the value cannot be
// rewritten safely.
func ParseCmdlineLine(line, key string) (parsed CmdlineLine, ok bool, err error) {
	eol := ""
	if strings.HasSuffix(line, "\r") {
		line, eol = line[:len(line)-1], "\r"
	}
	trimmed := strings.TrimLeft(line, " \t")
	if !strings.HasPrefix(trimmed, key+"=") {
		return CmdlineLine{}, false, nil
	}
	parsed = CmdlineLine{
		Indent: line[:len(line)-len(trimmed)],
		Key:    key,
		Quote:  `"`,
		EOL:    eol,
	}
	value := strings.TrimPrefix(trimmed, key+"=")

	var inner, rest string
	switch {
	case value == "":
	case value[0] == '"' || value[0] == '\'':
		end := closingQuote(value)
		if end < 0 {
			return CmdlineLine{}, true, fmt.Errorf("%w: unterminated quote in %s", types.ErrConfigLineAmbiguous, key)
		}
		parsed.Quote = value[:1]
		inner, rest = value[1:end], value[end+1:]
	default:
		end := strings.IndexAny(value, " \t")
		if end < 0 {
			end = len(value)
		}
		inner, rest = value[:end], value[end:]
		if strings.ContainsAny(inner, `"'`) {
			return CmdlineLine{}, true, fmt.Errorf("%w: mixed quoting in %s", types.ErrConfigLineAmbiguous, key)
		}
	}

	if strings.TrimSpace(rest) != "" && !isComment(rest) {
		return CmdlineLine{}, true, fmt.Errorf("%w: unexpected text after %s value: %q", types.ErrConfigLineAmbiguous, key, rest)
	}
	if fields := strings.Fields(inner); len(fields) > 0 {
		parsed.Tokens = fields
	}
	parsed.Suffix = rest
	return parsed, true, nil
}

// closingQuote returns the index of the quote closing value[0], honoring
// backslash escapes inside double quotes.
func closingQuote(value string) int {
	q := value[0]
	for i := 1; i < len(value); i++ {
		switch {
		case q == '"' && value[i] == '\\':
			i++
		case value[i] == q:
			return i
		}
	}
	return -1
}

// isComment reports whether rest is whitespace followed by a shell comment.
func isComment(rest string) bool {
	body := strings.TrimLeft(rest, " \t")
	return len(body) < len(rest) && strings.HasPrefix(body, "#")
}

func (c CmdlineLine) String() string {
	return fmt.Sprintf("%s%s=%s%s%s%s%s", c.Indent, c.Key, c.Quote, strings.Join(c.Tokens, " "), c.Quote, c.Suffix, c.EOL)
}

// FindCmdlineLine returns the index of the only uncommented line assigning
// key, or -1 when there is none.
func FindCmdlineLine(lines []string, key string) (int, error) {
	idx := -1
	for i, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "#") {
			continue
		}
		if _, ok, _ := ParseCmdlineLine(line, key); !ok {
			continue
		}
		if idx >= 0 {
			return -1, fmt.Errorf("%w: %s assigned on lines %d and %d", types.ErrConfigLineAmbiguous, key, idx+1, i+1)
		}
		idx = i
	}
	return idx, nil
}

// AddTokens appends each flag not already present and returns the new
// token list plus the flags actually added.
func AddTokens(tokens []string, flags ...string) ([]string, []string) {
	out := append([]string(nil), tokens...)
	var added []string
	for _, flag := range flags {
		if flag == "" || hasToken(out, flag) {
			continue
		}
		out = append(out, flag)
		added = append(added, flag)
	}
	return out, added
}

// RemoveTokens strips every occurrence of each flag, keeping the order of
// the remaining tokens.
func RemoveTokens(tokens []string, flags ...string) ([]string, []string) {
	out := make([]string, 0, len(tokens))
	var removed []string
	for _, tok := range tokens {
		if hasToken(flags, tok) {
			if !hasToken(removed, tok) {
				removed = append(removed, tok)
			}
			continue
		}
		out = append(out, tok)
	}
	return out, removed
}

func hasToken(tokens []string, token string) bool {
	for _, t := range tokens {
		if t == token {
			return true
		}
	}
	return false
}
