package dolly

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
)

// Record is one instruction-following sample, with the keys of the
// databricks-dolly-15k JSONL.
type Record struct {
	Instruction string `json:"instruction"`
	Context     string `json:"context"`
	Response    string `json:"response"`
	Category    string `json:"category,omitempty"`
}

// maxLineSize bounds a single JSONL record.
const maxLineSize = 64 * 1024 * 1024

// Format
// Renders a record as a prompt. The context section is left out when the
// record has no context.
func Format(record Record) string {
	sections := make([]string, 0, 3)
	sections = append(sections, "### Instruction\n"+record.Instruction)
	if len(record.Context) > 0 {
		sections = append(sections, "### Context\n"+record.Context)
	}
	sections = append(sections, "### Answer\n"+record.Response)
	return strings.Join(sections, "\n\n")
}

// Template renders a record and terminates it with the end-of-text marker.
func Template(record Record, eos string) string {
	return Format(record) + eos
}

// Templates renders records in order.
func Templates(records []Record, eos string) []string {
	texts := make([]string, len(records))
	for idx := range records {
		texts[idx] = Template(records[idx], eos)
	}
	return texts
}

// ReadRecords
// Decodes JSONL records from reader. Blank lines are skipped, and a line that
// does not decode is reported with its line number.
func ReadRecords(reader io.Reader) ([]Record, error) {
	records := make([]Record, 0)
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 1024*1024), maxLineSize)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		var record Record
		if err := json.Unmarshal(line, &record); err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNum, err)
		}
		records = append(records, record)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("line %d: %w", lineNum+1, err)
	}
	return records, nil
}

// ReadRecordsFile reads every record of a JSONL file.
func ReadRecordsFile(path string) ([]Record, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	records, readErr := ReadRecords(file)
	if readErr != nil {
		return nil, fmt.Errorf("%s: %w", path, readErr)
	}
	return records, nil
}

// Batches
// Splits records into consecutive batches of at most size records,
// preserving order.
func Batches(records []Record, size int) [][]Record {
	if size < 1 {
		size = 1
	}
	batches := make([][]Record, 0, (len(records)+size-1)/size)
	for begin := 0; begin < len(records); begin += size {
		end := min(begin+size, len(records))
		batches = append(batches, records[begin:end:end])
	}
	return batches
}

// CategoryCounts tallies records per category.
func CategoryCounts(records []Record) map[string]int {
	counts := make(map[string]int)
	for idx := range records {
		counts[records[idx].Category]++
	}
	return counts
}
