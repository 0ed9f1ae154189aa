package srcds

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/srcds-exporter/srcds-exporter/pkg/errors"
)

// statsNames maps column headers of the stats command onto stable names.
// Different engine branches print the same column under different headers.
var statsNames = map[string]string{
	"In":          "NetIn",
	"In_(KB/s)":   "NetIn",
	"Out":         "NetOut",
	"Out_(KB/s)":  "NetOut",
	"+-ms":        "varms",
	"~tick":       "vartick",
	"Svms":        "svarms",
	"Map_changes": "Maps",
}

// playersPattern matches the three layouts of the status players line:
//
//	0 humans, 0 bots (16/0 max) (hibernating)
//	0 (16 max)
//	12 humans, 0 bots (16 max)
var playersPattern = regexp.MustCompile(
	`^(?P<players>\d+)\s+(?:humans,\s+)?(?:(?P<bots>\d+)\s+bots\s+)?\((?P<max>\d+)(?:/\d+)?\s+max\)`)

// playerRowPattern matches a player row of the status command, with or
// without the slot column some games print after the userid.
var playerRowPattern = regexp.MustCompile(`^#\s*\d+\s+(?:\d+\s+)?"(.*)"\s+(\S+)\s*(.*)$`)

// Stat is one column of the stats command.
type Stat struct {
	Name  string
	Value float64
}

// Status holds the parsed output of the status command.
type Status struct {
	Hostname string
	Map      string

	Players    int
	Bots       int
	MaxPlayers int
	// HasPlayers is false when no players line was found.
	HasPlayers bool
	// HasBots is false for games that do not report bots.
	HasBots bool

	// Pings of human players in milliseconds.
	Pings []int
}

// ParseStats parses the output of the stats command: one header row and one
// value row. Columns whose value is not numeric are skipped and reported in
// the returned slice of column errors.
func ParseStats(out string) ([]Stat, []error, error) {
	var rows [][]string
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		rows = append(rows, fields)
		if len(rows) == 2 {
			break
		}
	}
	if len(rows) < 2 {
		return nil, nil, errors.NewError(errors.ErrCodeParseFailed, "stats output has no value row").
			WithComponent("srcds")
	}

	names, values := rows[0], rows[1]
	n := len(names)
	if len(values) < n {
		n = len(values)
	}

	stats := make([]Stat, 0, n)
	var columnErrs []error
	for i := 0; i < n; i++ {
		name := names[i]
		if mapped, ok := statsNames[name]; ok {
			name = mapped
		}
		v, err := strconv.ParseFloat(values[i], 64)
		if err != nil {
			columnErrs = append(columnErrs, errors.Wrap(errors.ErrCodeParseFailed,
				fmt.Sprintf("stats column %q has non-numeric value %q", names[i], values[i]), err).
				WithComponent("srcds"))
			continue
		}
		stats = append(stats, Stat{Name: name, Value: v})
	}
	return stats, columnErrs, nil
}

// ParseStatus parses the output of the status command. Header lines are read
// up to the first blank line or the first line without a colon; player rows
// are read from the rest of the output.
func ParseStatus(out string) (*Status, error) {
	lines := strings.Split(strings.ReplaceAll(out, "\r\n", "\n"), "\n")

	st := &Status{}
	header := 0
	for ; header < len(lines); header++ {
		line := lines[header]
		if strings.TrimSpace(line) == "" {
			break
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			break
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch key {
		case "hostname":
			st.Hostname = value
		case "map":
			if fields := strings.Fields(value); len(fields) > 0 {
				st.Map = fields[0]
			}
		case "players":
			parsePlayers(value, st)
		}
	}
	if header == 0 {
		return nil, errors.NewError(errors.ErrCodeParseFailed, "status output has no header").
			WithComponent("srcds")
	}

	for _, line := range lines[header:] {
		if ping, ok := parsePlayerRow(strings.TrimSpace(line)); ok {
			st.Pings = append(st.Pings, ping)
		}
	}
	return st, nil
}

func parsePlayers(value string, st *Status) {
	m := playersPattern.FindStringSubmatch(value)
	if m == nil {
		return
	}
	for i, name := range playersPattern.SubexpNames() {
		if m[i] == "" {
			continue
		}
		n, err := strconv.Atoi(m[i])
		if err != nil {
			continue
		}
		switch name {
		case "players":
			st.Players = n
			st.HasPlayers = true
		case "bots":
			st.Bots = n
			st.HasBots = true
		case "max":
			st.MaxPlayers = n
		}
	}
}

// parsePlayerRow returns the ping of a human player row.
func parsePlayerRow(line string) (int, bool) {
	m := playerRowPattern.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	if strings.EqualFold(m[2], "BOT") {
		return 0, false
	}
	// connected ping loss state ...
	rest := strings.Fields(m[3])
	if len(rest) < 2 {
		return 0, false
	}
	ping, err := strconv.Atoi(rest[1])
	if err != nil {
		return 0, false
	}
	return ping, true
}
