// Package worker runs work items as local processes and hosts the node
// agent that feeds it from the queue.
package worker

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/crawlodeployer/fleet/internal/core"
)

// interpreters maps an entrypoint extension to the program that runs it.
// An empty interpreter means the file is executed directly.
var interpreters = map[string]string{
	".py":  "python3",
	".sh":  "bash",
	".js":  "node",
	".ts":  "ts-node",
	".php": "php",
	".rb":  "ruby",
}

// BuildCommand returns the argv that runs entrypoint with args on a node
// of the given OS. Args become "--key value" pairs in key order.
func BuildCommand(entrypoint string, args map[string]any, nodeOS core.NodeOS) ([]string, error) {
	if strings.TrimSpace(entrypoint) == "" {
		return nil, core.NewValidationError("entrypoint is required", nil)
	}
	ext := strings.ToLower(filepath.Ext(entrypoint))

	var argv []string
	switch {
	case ext == ".py" && nodeOS == core.OSWindows:
		argv = []string{"python", entrypoint}
	case ext == ".exe":
		if nodeOS != core.OSWindows {
			return nil, core.NewValidationError(
				fmt.Sprintf("cannot run %s on %s", entrypoint, nodeOS),
				map[string]any{"entrypoint": entrypoint, "os": nodeOS})
		}
		argv = []string{entrypoint}
	default:
		interp, ok := interpreters[ext]
		if !ok {
			return nil, core.NewValidationError(
				fmt.Sprintf("unsupported entrypoint type %q", ext),
				map[string]any{"entrypoint": entrypoint})
		}
		argv = []string{interp, entrypoint}
	}

	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		argv = append(argv, "--"+k, formatArg(args[k]))
	}
	return argv, nil
}

func formatArg(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int, int64, int32:
		return fmt.Sprint(x)
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	}
}
