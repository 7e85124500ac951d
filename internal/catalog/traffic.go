package catalog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/CodeMonkeyCybersecurity/warden/pkg/types"
)

// LoadTraffic reads captured request/response records: either a JSON list
// or {"records": [...]}.
func LoadTraffic(path string) ([]types.Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read traffic file: %w", err)
	}
	records, err := ParseTraffic(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return records, nil
}

func ParseTraffic(data []byte) ([]types.Record, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}

	var records []types.Record
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &records); err != nil {
			return nil, fmt.Errorf("failed to parse traffic records: %w", err)
		}
	} else {
		var doc struct {
			Records []types.Record `json:"records"`
		}
		if err := json.Unmarshal(trimmed, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse traffic records: %w", err)
		}
		records = doc.Records
	}

	for i := range records {
		records[i].Method = strings.ToUpper(records[i].Method)
		if records[i].Endpoint == "" {
			return nil, fmt.Errorf("record %d: endpoint is required", i)
		}
	}
	return records, nil
}
