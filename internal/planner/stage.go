// Package planner turns a workflow request into the ordered list of stages that make a
// bootable installer. Planning is pure: it inspects nothing on disk and launches nothing.
package planner

import (
	"strings"

	"bootmaker/internal/progress"
)

// Stage keys. They are stable and appear on the wire as failedStageKey and stageKey.
const (
	KeyMountPoint         = "mountpoint"
	KeyAttach             = "attach"
	KeyPreformat          = "preformat"
	KeyImageScan          = "imagescan"
	KeyRestore            = "restore"
	KeyCreateInstallMedia = "createinstallmedia"
	KeyCleanup            = "cleanup"
	KeyCopyBundle         = "copybundle"
	KeyStripQuarantine    = "stripquarantine"
	KeyDetach             = "detach"
	KeyFinalize           = "finalize"
)

// Command is an external program and its arguments.
type Command struct {
	Path string
	Args []string
}

// String renders the command for logs.
func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Path
	}
	return c.Path + " " + strings.Join(c.Args, " ")
}

// Stage is one planned unit of work. Stages are produced fresh for every request and are
// never mutated after planning.
type Stage struct {
	Key          string
	Title        string
	StartPercent float64
	EndPercent   float64

	// Command is empty for the no-op finalize stage.
	Command Command

	// ParsesProgress is set when the tool's output carries a percent worth mining, and
	// Parser selects how.
	ParsesProgress bool
	Parser         progress.Kind

	// Undo is registered when the stage starts and run during teardown unless a later
	// stage releases it.
	Undo *Command

	// Releases names the stage whose Undo this stage performs.
	Releases string
}

// NoOp reports whether running the stage launches nothing.
func (s Stage) NoOp() bool {
	return s.Command.Path == ""
}
