package storage

import (
	"strconv"
	"strings"
)

// rebind rewrites ? placeholders for the Postgres driver.
func (s *Store) rebind(query string) string {
	if s.driver != driverPgx {
		return query
	}
	return rebindToPostgres(query)
}

func rebindToPostgres(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)

	quoted := false
	n := 1
	for i := 0; i < len(query); i++ {
		ch := query[i]
		switch {
		case ch == '\'':
			// '' inside a literal is an escaped quote.
			if quoted && i+1 < len(query) && query[i+1] == '\'' {
				b.WriteString("''")
				i++
				continue
			}
			quoted = !quoted
			b.WriteByte(ch)
		case ch == '?' && !quoted:
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			n++
		default:
			b.WriteByte(ch)
		}
	}
	return b.String()
}

// greatest is the two-argument max function of the active dialect.
func (s *Store) greatest() string {
	if s.driver == driverPgx {
		return "GREATEST"
	}
	return "MAX"
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
