package dataset

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
)

// inspectFile parses a dataset file and reports its column schema and row
// count. CSV columns are always typed "string"; JSON types are inferred from
// the first record.
func inspectFile(path, format string) (map[string]string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	switch strings.ToLower(format) {
	case "csv":
		return inspectCSV(f)
	case "json":
		return inspectJSON(f)
	}
	return nil, 0, fmt.Errorf("unsupported dataset format %q", format)
}

func inspectCSV(r io.Reader) (map[string]string, int64, error) {
	reader := csv.NewReader(r)
	header, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return nil, 0, fmt.Errorf("csv file is empty")
		}
		return nil, 0, err
	}
	schema := make(map[string]string, len(header))
	for _, column := range header {
		schema[strings.TrimSpace(column)] = "string"
	}
	var rows int64
	for {
		if _, err := reader.Read(); err != nil {
			if err == io.EOF {
				break
			}
			return nil, 0, err
		}
		rows++
	}
	return schema, rows, nil
}

func jsonType(v any) string {
	switch v.(type) {
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "boolean"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case nil:
		return "null"
	}
	return "unknown"
}

func inspectJSON(r io.Reader) (map[string]string, int64, error) {
	var records []map[string]any
	if err := json.NewDecoder(r).Decode(&records); err != nil {
		return nil, 0, fmt.Errorf("json file must contain an array of objects: %w", err)
	}
	schema := map[string]string{}
	if len(records) > 0 {
		for key, value := range records[0] {
			schema[key] = jsonType(value)
		}
	}
	return schema, int64(len(records)), nil
}
