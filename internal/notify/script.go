package notify

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"

	"github.com/tlundqvist/gotrack/internal/track"
)

// outputSnippetLen caps hook output carried into errors and logs.
const outputSnippetLen = 200

// ScriptHook runs an external program on tracker session transitions,
// passing the device id and peer address as arguments. The session
// bounds ctx with its hook timeout; a script that outlives it is
// killed.
type ScriptHook struct {
	path   string
	logger *slog.Logger
}

// Interface compliance check.
var _ track.ConnScript = (*ScriptHook)(nil)

// NewScriptHook creates a hook runner for the program at path.
func NewScriptHook(path string, logger *slog.Logger) *ScriptHook {
	if logger == nil {
		logger = slog.Default()
	}
	return &ScriptHook{
		path:   path,
		logger: logger.With(slog.String("component", "hook"), slog.String("script", path)),
	}
}

// Run executes the script as `path <device-id> <peer>`.
func (h *ScriptHook) Run(ctx context.Context, deviceID uint32, peer string) error {
	cmd := exec.CommandContext(ctx, h.path,
		strconv.FormatUint(uint64(deviceID), 10), peer)

	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("hook %s device %d: %w (output: %s)",
			h.path, deviceID, err, snippet(string(out), outputSnippetLen))
	}

	h.logger.Debug("hook completed",
		slog.Uint64("device_id", uint64(deviceID)),
		slog.String("peer", peer),
		slog.String("output", snippet(string(out), outputSnippetLen)),
	)
	return nil
}
