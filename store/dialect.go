package store

import (
	"strconv"
	"strings"
	"time"
)

// SQLite hands timestamps back as text in whichever layout wrote them;
// pgx returns time.Time.
var timeLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05-07:00",
	"2006-01-02 15:04:05.999999-07:00",
	time.RFC3339Nano,
}

// scanTime decodes a timestamp column. Unknown shapes give the zero time.
func scanTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case []byte:
		return scanTime(string(t))
	case string:
		for _, layout := range timeLayouts {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed
			}
		}
	}
	return time.Time{}
}

// scanTimePtr is scanTime for nullable columns such as finished_at.
func scanTimePtr(v any) *time.Time {
	if t := scanTime(v); !t.IsZero() {
		return &t
	}
	return nil
}

// postgresQuery turns a query written for SQLite into its PostgreSQL form:
// the local-time default becomes NOW() and ? placeholders become $n.
func postgresQuery(query string) string {
	query = strings.ReplaceAll(query, "datetime('now','localtime')", "NOW()")
	out := make([]byte, 0, len(query)+8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] != '?' {
			out = append(out, query[i])
			continue
		}
		n++
		out = append(out, '$')
		out = strconv.AppendInt(out, int64(n), 10)
	}
	return string(out)
}
