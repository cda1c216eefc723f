package source

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/lib/pq"
)

const itemIDsQuery = "SELECT DISTINCT itemid FROM items"

// MySQL caps a prepared statement at 65535 placeholders; two are taken by
// clock and limit.
const mysqlMaxItemPlaceholders = 65535 - 2

// Dialect selects placeholder syntax and how the item id set is bound
type Dialect int

const (
	MySQL Dialect = iota
	Postgres
)

// ParseDialect maps a configured driver name to its dialect
func ParseDialect(driver string) (Dialect, error) {
	switch driver {
	case "mysql":
		return MySQL, nil
	case "postgres":
		return Postgres, nil
	}
	return 0, fmt.Errorf("unsupported database driver %q", driver)
}

func (d Dialect) String() string {
	if d == Postgres {
		return "postgres"
	}
	return "mysql"
}

func (d Dialect) historyQuery(table string, ids []int64, since int64, limit int) (string, []any) {
	const head = "SELECT hi.clock, hi.value, h.host, i.key_ FROM %s AS hi " +
		"INNER JOIN items AS i ON hi.itemid = i.itemid " +
		"INNER JOIN hosts AS h ON i.hostid = h.hostid "

	var sb strings.Builder
	fmt.Fprintf(&sb, head, table)

	if d == Postgres {
		sb.WriteString("WHERE hi.itemid = ANY($1) AND hi.clock >= $2 LIMIT $3")
		return sb.String(), []any{pq.Array(ids), since, limit}
	}

	args := make([]any, 0, len(ids)+2)
	sb.WriteString("WHERE hi.itemid IN (")
	if len(ids) <= mysqlMaxItemPlaceholders {
		for i, id := range ids {
			if i > 0 {
				sb.WriteByte(',')
			}
			sb.WriteByte('?')
			args = append(args, id)
		}
	} else {
		// Typed integers, so inlining cannot inject anything.
		for i, id := range ids {
			if i > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(strconv.FormatInt(id, 10))
		}
	}
	sb.WriteString(") AND hi.clock >= ? LIMIT ?")
	return sb.String(), append(args, since, limit)
}
