package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/groob/plist"
	"gopkg.in/yaml.v3"

	"bootmaker/internal/protocol"
)

// LoadRequest reads a workflow request from a .json, .yaml, .yml or .plist file.
func LoadRequest(path string) (protocol.Request, error) {
	var req protocol.Request

	data, err := os.ReadFile(path)
	if err != nil {
		return req, fmt.Errorf("failed to read request file: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		err = json.Unmarshal(data, &req)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &req)
	case ".plist":
		err = plist.Unmarshal(data, &req)
	default:
		return req, &usageError{err: fmt.Errorf("unsupported request file type %q", ext)}
	}
	if err != nil {
		return req, fmt.Errorf("failed to decode request file %s: %w", path, err)
	}
	return req, nil
}
