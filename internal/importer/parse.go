package importer

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"studycore/internal/identity"
	"studycore/pkg/domain"
)

// Built-in columns every dataset accepts besides its own schema. The subject
// column name comes from the study.
const (
	ColumnSequenceNum = "SequenceNum"
	ColumnDate        = identity.ColumnDate
	ColumnReplace     = "replace"
)

// table is a tokenized tabular source.
type table struct {
	header  []string
	records [][]string
}

// readTable splits r into a header and data records. Lines containing a tab
// are tab-delimited; other lines fall back to runs of whitespace. Blank lines
// are skipped.
func readTable(r io.Reader) (table, error) {
	var t table
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := splitLine(line)
		if t.header == nil {
			t.header = fields
			continue
		}
		t.records = append(t.records, fields)
	}
	if err := scanner.Err(); err != nil {
		return table{}, fmt.Errorf("read tabular data: %w", err)
	}
	return t, nil
}

func splitLine(line string) []string {
	var fields []string
	if strings.Contains(line, "\t") {
		fields = strings.Split(line, "\t")
	} else {
		fields = strings.Fields(line)
	}
	for i, f := range fields {
		fields[i] = unquote(strings.TrimSpace(f))
	}
	return fields
}

func unquote(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return strings.ReplaceAll(s[1:len(s)-1], `""`, `"`)
	}
	return s
}

// binding maps header positions to canonical column names.
type binding struct {
	columns []string // canonical name per header position, "" when dropped
	index   map[string]int
}

func (b binding) has(name string) bool {
	_, ok := b.index[name]
	return ok
}

func (b binding) value(record []string, name string) (string, bool) {
	i, ok := b.index[name]
	if !ok || i >= len(record) {
		return "", false
	}
	return record[i], true
}

// bindHeader resolves headers through the alias table and matches the result
// case-sensitively against the known columns. Unknown headers are dropped.
// Problems are returned as user-facing messages.
func bindHeader(header []string, aliases map[string]string, known map[string]bool) (binding, []string) {
	b := binding{columns: make([]string, len(header)), index: make(map[string]int)}
	var problems []string
	for i, h := range header {
		target := h
		if mapped, ok := aliases[strings.ToLower(strings.TrimSpace(h))]; ok && mapped != "" {
			target = mapped
		}
		if !known[target] {
			continue
		}
		if _, dup := b.index[target]; dup {
			problems = append(problems, fmt.Sprintf("Property '%s' more than once.", target))
			continue
		}
		b.columns[i] = target
		b.index[target] = i
	}
	return b, problems
}

// requiredKeyColumns lists the columns a source must supply for the dataset
// to compute row identities.
func requiredKeyColumns(study domain.Study, def domain.DatasetDefinition) [][]string {
	keys := [][]string{{study.SubjectColumn()}}
	if !def.Demographic {
		if study.TimepointType.IsVisitBased() {
			keys = append(keys, []string{ColumnSequenceNum})
		} else {
			alts := []string{ColumnDate}
			if def.VisitDatePropertyName != "" {
				alts = append(alts, def.VisitDatePropertyName)
			}
			keys = append(keys, alts)
		}
	}
	if def.KeyPropertyName != "" && !def.HasManagedKey() {
		keys = append(keys, []string{def.KeyPropertyName})
	}
	return keys
}

// checkKeyColumns returns an ErrMissingKeyColumn error naming the first
// absent key column.
func checkKeyColumns(b binding, study domain.Study, def domain.DatasetDefinition) error {
	for _, alts := range requiredKeyColumns(study, def) {
		found := false
		for _, name := range alts {
			if b.has(name) {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("%w '%s'", domain.ErrMissingKeyColumn, alts[0])
		}
	}
	return nil
}

func knownColumns(study domain.Study, def domain.DatasetDefinition) map[string]bool {
	known := map[string]bool{
		study.SubjectColumn(): true,
		ColumnSequenceNum:     true,
		ColumnDate:            true,
		ColumnReplace:         true,
	}
	for _, c := range def.Columns {
		known[c.Name] = true
	}
	return known
}
