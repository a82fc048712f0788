// Package parser splits migration scripts into statements and extracts the
// structural effects (tables and columns created or dropped) that a sandbox
// run can verify.
//
// PostgreSQL scripts go through pg_query, the real PostgreSQL parser.
// MySQL and SQLite scripts use a lexical splitter that understands quoting,
// comments, trigger bodies and the mysql client's DELIMITER directive.
package parser

import (
	"fmt"
	"strings"
	"unicode"

	pg_query "github.com/pganalyze/pg_query_go/v6"

	"github.com/lockplane/ratchet/database"
)

// Split breaks script into executable statements for dialect.
func Split(dialect database.Dialect, script string) ([]string, error) {
	switch dialect {
	case database.DialectPostgres:
		return SplitPostgres(script)
	case database.DialectMySQL:
		return SplitStatements(script, true), nil
	default:
		return SplitStatements(script, false), nil
	}
}

// SplitPostgres splits with the PostgreSQL scanner, so dollar quoting and
// nested comments behave exactly as the server sees them.
func SplitPostgres(script string) ([]string, error) {
	parts, err := pg_query.SplitWithScanner(script, true)
	if err != nil {
		return nil, fmt.Errorf("failed to split SQL: %w", err)
	}
	stmts := make([]string, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(StripComments(p)) == "" {
			continue
		}
		stmts = append(stmts, p)
	}
	return stmts, nil
}

// SplitStatements splits script on semicolons that end a statement.
// Semicolons inside string literals, quoted identifiers, comments and
// BEGIN ... END bodies of CREATE TRIGGER/PROCEDURE/FUNCTION do not split.
// A "DELIMITER x" line switches the terminator until the next DELIMITER.
// backslashEscapes enables MySQL-style \' escapes inside literals.
func SplitStatements(script string, backslashEscapes bool) []string {
	s := &splitter{src: script, delim: ";", backslash: backslashEscapes}
	return s.run()
}

type splitter struct {
	src       string
	pos       int
	delim     string
	backslash bool

	cur     strings.Builder
	hasCode bool
	depth   int
	stmts   []string
}

func (s *splitter) run() []string {
	for s.pos < len(s.src) {
		if !s.hasCode && s.directive() {
			continue
		}

		c := s.src[s.pos]
		switch {
		case c == '-' && s.peek(1) == '-':
			s.lineComment()
		case c == '/' && s.peek(1) == '*':
			s.blockComment()
		case c == '\'' || c == '"' || c == '`':
			s.quoted(c)
		case s.depth == 0 && strings.HasPrefix(s.src[s.pos:], s.delim):
			s.pos += len(s.delim)
			s.flush()
		case isWordStart(c):
			s.word()
		default:
			if !unicode.IsSpace(rune(c)) {
				s.hasCode = true
			}
			s.cur.WriteByte(c)
			s.pos++
		}
	}
	s.flush()
	return s.stmts
}

func (s *splitter) peek(offset int) byte {
	if s.pos+offset < len(s.src) {
		return s.src[s.pos+offset]
	}
	return 0
}

func (s *splitter) flush() {
	stmt := strings.TrimSpace(s.cur.String())
	if s.hasCode && stmt != "" {
		s.stmts = append(s.stmts, stmt)
	}
	s.cur.Reset()
	s.hasCode = false
	s.depth = 0
}

// directive consumes a "DELIMITER x" line.
func (s *splitter) directive() bool {
	rest := s.src[s.pos:]
	const kw = "DELIMITER"
	if len(rest) <= len(kw) || !strings.EqualFold(rest[:len(kw)], kw) || !isSpaceByte(rest[len(kw)]) {
		return false
	}
	if s.pos > 0 && !isSpaceByte(s.src[s.pos-1]) {
		return false
	}
	end := strings.IndexByte(rest, '\n')
	if end < 0 {
		end = len(rest)
	}
	if d := strings.TrimSpace(rest[len(kw):end]); d != "" {
		s.delim = d
	}
	s.pos += end
	s.cur.Reset()
	return true
}

func (s *splitter) lineComment() {
	end := strings.IndexByte(s.src[s.pos:], '\n')
	if end < 0 {
		end = len(s.src) - s.pos
	}
	s.cur.WriteString(s.src[s.pos : s.pos+end])
	s.pos += end
}

func (s *splitter) blockComment() {
	end := strings.Index(s.src[s.pos+2:], "*/")
	if end < 0 {
		s.cur.WriteString(s.src[s.pos:])
		s.pos = len(s.src)
		return
	}
	stop := s.pos + 2 + end + 2
	s.cur.WriteString(s.src[s.pos:stop])
	s.pos = stop
}

func (s *splitter) quoted(q byte) {
	s.hasCode = true
	start := s.pos
	s.pos++
	for s.pos < len(s.src) {
		c := s.src[s.pos]
		if s.backslash && c == '\\' && q != '`' {
			s.pos += 2
			continue
		}
		if c == q {
			if s.peek(1) == q {
				s.pos += 2
				continue
			}
			s.pos++
			break
		}
		s.pos++
	}
	if s.pos > len(s.src) {
		s.pos = len(s.src)
	}
	s.cur.WriteString(s.src[start:s.pos])
}

func (s *splitter) word() {
	start := s.pos
	for s.pos < len(s.src) && isWordByte(s.src[s.pos]) {
		s.pos++
	}
	w := strings.ToUpper(s.src[start:s.pos])
	s.hasCode = true

	if s.delim == ";" {
		switch w {
		case "BEGIN":
			if s.depth > 0 {
				s.depth++
			} else if opensBlock(s.cur.String()) {
				s.depth = 1
			}
		case "CASE":
			if s.depth > 0 {
				s.depth++
			}
		case "END":
			if s.depth > 0 && !closesControl(s.src[s.pos:]) {
				s.depth--
			}
		}
	}
	s.cur.WriteString(s.src[start:s.pos])
}

// opensBlock reports whether the statement so far is a CREATE of an object
// whose body is a BEGIN ... END block.
func opensBlock(stmt string) bool {
	upper := strings.ToUpper(StripComments(stmt))
	fields := strings.Fields(upper)
	if len(fields) == 0 || fields[0] != "CREATE" {
		return false
	}
	for _, f := range fields {
		switch f {
		case "TRIGGER", "PROCEDURE", "FUNCTION", "EVENT":
			return true
		}
	}
	return false
}

// closesControl reports whether an END is followed by IF/LOOP/WHILE/REPEAT,
// which close control structures rather than a BEGIN block.
func closesControl(rest string) bool {
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return false
	}
	next := strings.ToUpper(strings.TrimRight(fields[0], ";"))
	switch next {
	case "IF", "LOOP", "WHILE", "REPEAT":
		return true
	}
	return false
}

func isWordStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isWordByte(c byte) bool {
	return isWordStart(c) || (c >= '0' && c <= '9') || c == '$'
}

func isSpaceByte(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

// StripComments removes -- and /* */ comments outside of quotes.
func StripComments(sql string) string {
	var sb strings.Builder
	var quote byte
	for i := 0; i < len(sql); i++ {
		c := sql[i]
		if quote != 0 {
			sb.WriteByte(c)
			if c == quote {
				quote = 0
			}
			continue
		}
		switch {
		case c == '\'' || c == '"' || c == '`':
			quote = c
			sb.WriteByte(c)
		case c == '-' && i+1 < len(sql) && sql[i+1] == '-':
			for i < len(sql) && sql[i] != '\n' {
				i++
			}
			sb.WriteByte('\n')
		case c == '/' && i+1 < len(sql) && sql[i+1] == '*':
			end := strings.Index(sql[i+2:], "*/")
			if end < 0 {
				return sb.String()
			}
			i += 2 + end + 1
			sb.WriteByte(' ')
		default:
			sb.WriteByte(c)
		}
	}
	return sb.String()
}
