package planner

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"bootmaker/internal/progress"
	"bootmaker/internal/protocol"
)

// Percent layout shared by every plan.
const (
	firstStagePercent  = 10
	preformatEnd       = 30
	imageScanSpan      = 10
	writeEnd           = 98
	finalizeWriteEnd   = 90
	finalizeStart      = 99
	cleanupEnd         = 92
	copyBundleEnd      = 97
	stripQuarantineEnd = 99
	mountPointEnd      = 3
)

// Tools holds the absolute paths of the external programs stages run.
type Tools struct {
	Diskutil string
	ASR      string
	Hdiutil  string
	Rm       string
	Cp       string
	Xattr    string
	Mkdir    string
}

// DefaultTools returns the stock macOS locations.
func DefaultTools() Tools {
	return Tools{
		Diskutil: "/usr/sbin/diskutil",
		ASR:      "/usr/sbin/asr",
		Hdiutil:  "/usr/bin/hdiutil",
		Rm:       "/bin/rm",
		Cp:       "/bin/cp",
		Xattr:    "/usr/bin/xattr",
		Mkdir:    "/bin/mkdir",
	}
}

// DefaultMountRoot is where ppc source images are attached.
const DefaultMountRoot = "/private/var/run/bootmaker"

// Planner builds stage lists. The zero value is not usable; call New.
type Planner struct {
	tools     Tools
	mountRoot string
}

// Option configures a Planner.
type Option func(*Planner)

// WithTools overrides tool paths. Empty fields keep their defaults.
func WithTools(tools Tools) Option {
	return func(p *Planner) {
		defaults := p.tools
		p.tools = tools
		fill(&p.tools.Diskutil, defaults.Diskutil)
		fill(&p.tools.ASR, defaults.ASR)
		fill(&p.tools.Hdiutil, defaults.Hdiutil)
		fill(&p.tools.Rm, defaults.Rm)
		fill(&p.tools.Cp, defaults.Cp)
		fill(&p.tools.Xattr, defaults.Xattr)
		fill(&p.tools.Mkdir, defaults.Mkdir)
	}
}

// WithMountRoot sets the directory under which ppc images are attached.
func WithMountRoot(root string) Option {
	return func(p *Planner) {
		if root != "" {
			p.mountRoot = filepath.Clean(root)
		}
	}
}

func fill(field *string, fallback string) {
	if *field == "" {
		*field = fallback
	}
}

// New creates a planner.
func New(opts ...Option) *Planner {
	p := &Planner{
		tools:     DefaultTools(),
		mountRoot: DefaultMountRoot,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Tools returns the tool paths the planner uses.
func (p *Planner) Tools() Tools {
	return p.tools
}

// Plan resolves req with the default planner.
func Plan(req protocol.Request) ([]Stage, error) {
	return New().Plan(req)
}

// Plan resolves req and returns its stages. Invalid requests yield a *RequestError.
func (p *Planner) Plan(req protocol.Request) ([]Stage, error) {
	variant, err := Resolve(req)
	if err != nil {
		return nil, err
	}
	return p.PlanVariant(variant)
}

// PlanVariant returns the stages for an already resolved request.
func (p *Planner) PlanVariant(v Variant) ([]Stage, error) {
	var stages []Stage

	switch v := v.(type) {
	case Standard:
		stages = p.planStandard(v)
	case LegacyRestore:
		stages = p.planRestore(v.Target, v.Image)
	case Mavericks:
		stages = p.planRestore(v.Target, v.Image)
	case PPC:
		stages = p.planPPC(v)
	default:
		return nil, invalid("workflowKind", "unsupported variant %T", v)
	}

	stages = append(stages, Stage{
		Key:          KeyFinalize,
		Title:        "Finishing",
		StartPercent: finalizeStart,
		EndPercent:   100,
	})

	if err := Validate(stages); err != nil {
		return nil, fmt.Errorf("planned layout for %s: %w", v.Kind(), err)
	}
	return stages, nil
}

func (p *Planner) preformat(t Target, scheme, format string) Stage {
	return Stage{
		Key:          KeyPreformat,
		Title:        "Formatting " + t.Label,
		StartPercent: firstStagePercent,
		EndPercent:   preformatEnd,
		Command: Command{
			Path: p.tools.Diskutil,
			Args: []string{"eraseDisk", format, t.Label, scheme, "/dev/" + t.DeviceID},
		},
		ParsesProgress: true,
		Parser:         progress.KindPercent,
	}
}

func (p *Planner) planStandard(v Standard) []Stage {
	var stages []Stage
	cursor := float64(firstStagePercent)
	if v.Target.Preformat {
		stages = append(stages, p.preformat(v.Target, "GPT", "JHFS+"))
		cursor = preformatEnd
	}

	end := float64(writeEnd)
	if v.Finalize != nil {
		end = finalizeWriteEnd
	}

	args := []string{"--volume", v.Target.MountPath(), "--nointeraction"}
	if v.ApplicationPathArg {
		args = append(args, "--applicationpath", v.InstallerApp)
	}
	stages = append(stages, Stage{
		Key:          KeyCreateInstallMedia,
		Title:        "Creating installer media",
		StartPercent: cursor,
		EndPercent:   end,
		Command: Command{
			Path: filepath.Join(v.InstallerApp, "Contents", "Resources", "createinstallmedia"),
			Args: args,
		},
		ParsesProgress: true,
		Parser:         progress.KindPercent,
	})

	if v.Finalize == nil {
		return stages
	}

	// createinstallmedia renames the target after the installer app.
	appName := filepath.Base(v.InstallerApp)
	installerVolume := filepath.Join(VolumesRoot, strings.TrimSuffix(appName, ".app"))
	bundleName := filepath.Base(v.Finalize.CorrectedBundle)

	return append(stages,
		Stage{
			Key:          KeyCleanup,
			Title:        "Removing stale installer",
			StartPercent: finalizeWriteEnd,
			EndPercent:   cleanupEnd,
			Command: Command{
				Path: p.tools.Rm,
				Args: []string{"-rf", filepath.Join(installerVolume, appName)},
			},
		},
		Stage{
			Key:          KeyCopyBundle,
			Title:        "Copying corrected installer",
			StartPercent: cleanupEnd,
			EndPercent:   copyBundleEnd,
			Command: Command{
				Path: p.tools.Cp,
				Args: []string{"-R", v.Finalize.CorrectedBundle, installerVolume + "/"},
			},
		},
		Stage{
			Key:          KeyStripQuarantine,
			Title:        "Removing quarantine attribute",
			StartPercent: copyBundleEnd,
			EndPercent:   stripQuarantineEnd,
			Command: Command{
				Path: p.tools.Xattr,
				Args: []string{"-dr", "com.apple.quarantine", filepath.Join(installerVolume, bundleName)},
			},
		},
	)
}

func (p *Planner) planRestore(t Target, image string) []Stage {
	var stages []Stage
	cursor := float64(firstStagePercent)
	if t.Preformat {
		stages = append(stages, p.preformat(t, "GPT", "JHFS+"))
		cursor = preformatEnd
	}

	return append(stages,
		Stage{
			Key:          KeyImageScan,
			Title:        "Scanning image",
			StartPercent: cursor,
			EndPercent:   cursor + imageScanSpan,
			Command: Command{
				Path: p.tools.ASR,
				Args: []string{"imagescan", "--source", image},
			},
			ParsesProgress: true,
			Parser:         progress.KindASR,
		},
		p.restore(t, image, cursor+imageScanSpan),
	)
}

func (p *Planner) restore(t Target, source string, start float64) Stage {
	return Stage{
		Key:          KeyRestore,
		Title:        "Restoring installer",
		StartPercent: start,
		EndPercent:   writeEnd,
		Command: Command{
			Path: p.tools.ASR,
			Args: []string{"restore", "--source", source, "--target", t.MountPath(), "--erase", "--noprompt", "--puppetstrings"},
		},
		ParsesProgress: true,
		Parser:         progress.KindASR,
	}
}

func (p *Planner) planPPC(v PPC) []Stage {
	if !v.NeedsMount() {
		return []Stage{
			p.preformat(v.Target, "APM", "HFS+"),
			p.restore(v.Target, v.Source, preformatEnd),
		}
	}

	mountPoint := p.MountPoint(v.Source)
	detach := Command{
		Path: p.tools.Hdiutil,
		Args: []string{"detach", mountPoint, "-force"},
	}

	return []Stage{
		{
			Key:          KeyMountPoint,
			Title:        "Preparing mount point",
			StartPercent: 0,
			EndPercent:   mountPointEnd,
			Command: Command{
				Path: p.tools.Mkdir,
				Args: []string{"-p", mountPoint},
			},
		},
		{
			Key:          KeyAttach,
			Title:        "Mounting source image",
			StartPercent: mountPointEnd,
			EndPercent:   firstStagePercent,
			Command: Command{
				Path: p.tools.Hdiutil,
				Args: []string{"attach", v.Source, "-readonly", "-nobrowse", "-noverify", "-noautoopen", "-mountpoint", mountPoint},
			},
			Undo: &detach,
		},
		p.preformat(v.Target, "APM", "HFS+"),
		p.restore(v.Target, mountPoint, preformatEnd),
		{
			Key:          KeyDetach,
			Title:        "Unmounting source image",
			StartPercent: writeEnd,
			EndPercent:   finalizeStart,
			Command:      detach,
			Releases:     KeyAttach,
		},
	}
}

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// MountPoint is the directory a ppc source image is attached at.
func (p *Planner) MountPoint(source string) string {
	name := strings.TrimSuffix(filepath.Base(source), filepath.Ext(source))
	name = strings.Trim(unsafeNameChars.ReplaceAllString(name, "-"), "-")
	if name == "" {
		name = "source"
	}
	return filepath.Join(p.mountRoot, "ppc-"+name)
}

// maxGap is the widest hole allowed between consecutive stages. The executor's boundary
// events carry the bar across it.
const maxGap = 1

// Validate checks the percent layout of a plan: ordered, non-overlapping, starting at or
// above 0 and ending at exactly 100.
func Validate(stages []Stage) error {
	if len(stages) == 0 {
		return fmt.Errorf("empty plan")
	}
	if stages[0].StartPercent < 0 {
		return fmt.Errorf("stage %s starts below 0 (%v)", stages[0].Key, stages[0].StartPercent)
	}

	seen := make(map[string]bool, len(stages))
	for i, stage := range stages {
		if seen[stage.Key] {
			return fmt.Errorf("duplicate stage key %s", stage.Key)
		}
		seen[stage.Key] = true

		if stage.EndPercent < stage.StartPercent {
			return fmt.Errorf("stage %s ends before it starts (%v-%v)", stage.Key, stage.StartPercent, stage.EndPercent)
		}
		if i == 0 {
			continue
		}
		prev := stages[i-1]
		if stage.StartPercent < prev.EndPercent {
			return fmt.Errorf("stage %s overlaps %s (%v < %v)", stage.Key, prev.Key, stage.StartPercent, prev.EndPercent)
		}
		if stage.StartPercent-prev.EndPercent > maxGap {
			return fmt.Errorf("gap between %s and %s (%v-%v)", prev.Key, stage.Key, prev.EndPercent, stage.StartPercent)
		}
		if stage.Releases != "" && !seen[stage.Releases] {
			return fmt.Errorf("stage %s releases unknown stage %s", stage.Key, stage.Releases)
		}
	}

	if last := stages[len(stages)-1]; last.EndPercent != 100 {
		return fmt.Errorf("last stage %s ends at %v, not 100", last.Key, last.EndPercent)
	}
	return nil
}
