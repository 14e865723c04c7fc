package main

import (
	"strings"

	"github.com/cuemby/podkeeper/pkg/types"
)

// shellHook is the bundled demo Hook: it runs a fixed command line
// unconditionally and accepts every configuration request. Real pods ship
// their own Hook implementation; this one exists so `podagent run --cmd`
// is a usable end-to-end smoke test on its own, wrapping a plain shell
// command the way a Piped hook does.
type shellHook struct {
	command []string
}

func newShellHook(line string) *shellHook {
	return &shellHook{command: strings.Fields(line)}
}

func (h *shellHook) Configure(*types.Cluster) ([]string, map[string]string, error) {
	return h.command, nil, nil
}

func (h *shellHook) CanConfigure(*types.Cluster) error {
	return nil
}

// Signaled echoes whatever JSON body /control/signal received, tagged
// with the supervised pid, so the escape hatch is exercisable without a
// bespoke hook.
func (h *shellHook) Signaled(js map[string]any, pid int) (map[string]any, error) {
	return map[string]any{"pid": pid, "received": js}, nil
}
