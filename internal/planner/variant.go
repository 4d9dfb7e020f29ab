package planner

import (
	"path/filepath"
	"regexp"
	"strings"

	"bootmaker/internal/protocol"
)

// VolumesRoot is where macOS mounts volumes.
const VolumesRoot = "/Volumes"

var wholeDiskRegex = regexp.MustCompile(`^disk[0-9]+$`)

// Target is the media a workflow writes to.
type Target struct {
	DeviceID   string
	VolumePath string
	Label      string
	Preformat  bool
}

// MountPath is where the target volume is mounted once any planned format has run.
func (t Target) MountPath() string {
	if t.Preformat {
		return filepath.Join(VolumesRoot, t.Label)
	}
	return t.VolumePath
}

// Variant is a request resolved to its workflow kind. Each kind carries only the fields
// its stage templates use.
type Variant interface {
	Kind() protocol.WorkflowKind
	target() Target
}

// Standard writes a full installer app with createinstallmedia.
type Standard struct {
	Target             Target
	SystemName         string
	InstallerApp       string
	ApplicationPathArg bool
	Finalize           *Finalize
}

// Finalize is the post-install correction sequence one system family needs.
type Finalize struct {
	CorrectedBundle string
}

// LegacyRestore restores an installer image with asr.
type LegacyRestore struct {
	Target     Target
	SystemName string
	Image      string
}

// Mavericks restores an installer image with asr. It is planned like LegacyRestore but
// stays a distinct kind on the wire.
type Mavericks struct {
	Target     Target
	SystemName string
	Image      string
}

// PPC restores a PowerPC installer onto an APM formatted target. Source is either an
// already mounted volume or an image that gets attached first.
type PPC struct {
	Target     Target
	SystemName string
	Source     string
}

func (Standard) Kind() protocol.WorkflowKind      { return protocol.KindStandard }
func (LegacyRestore) Kind() protocol.WorkflowKind { return protocol.KindLegacyRestore }
func (Mavericks) Kind() protocol.WorkflowKind     { return protocol.KindMavericks }
func (PPC) Kind() protocol.WorkflowKind           { return protocol.KindPPC }

func (v Standard) target() Target      { return v.Target }
func (v LegacyRestore) target() Target { return v.Target }
func (v Mavericks) target() Target     { return v.Target }
func (v PPC) target() Target           { return v.Target }

// NeedsMount reports whether the source has to be attached before restoring.
func (v PPC) NeedsMount() bool {
	return !underVolumes(v.Source)
}

// Resolve validates the flat wire request and converts it into its variant. Flags that do
// not belong to the request's kind are ignored.
func Resolve(req protocol.Request) (Variant, error) {
	if !req.Kind.Valid() {
		return nil, invalid("workflowKind", "unknown kind %q", req.Kind)
	}

	source := strings.TrimSpace(req.SourcePath)
	if source == "" {
		return nil, invalid("sourcePath", "is required")
	}
	if !filepath.IsAbs(source) {
		return nil, invalid("sourcePath", "must be absolute, got %q", source)
	}
	source = filepath.Clean(source)

	target := Target{
		DeviceID:   strings.TrimSpace(req.TargetDeviceID),
		VolumePath: strings.TrimSpace(req.TargetVolumePath),
		Label:      strings.TrimSpace(req.TargetLabel),
		// PPC targets are always formatted with a legacy partition scheme.
		Preformat: req.NeedsPreformat || req.Kind == protocol.KindPPC,
	}
	if err := validateTarget(target); err != nil {
		return nil, err
	}

	switch req.Kind {
	case protocol.KindStandard:
		if !strings.HasSuffix(source, ".app") {
			return nil, invalid("sourcePath", "%q is not an installer app", source)
		}
		v := Standard{
			Target:             target,
			SystemName:         req.SystemName,
			InstallerApp:       source,
			ApplicationPathArg: req.RequiresApplicationPathArg,
		}
		if req.IsCatalinaFinalize {
			post := strings.TrimSpace(req.PostInstallSourcePath)
			if post == "" {
				return nil, invalid("postInstallSourcePath", "is required for the finalize sequence")
			}
			if !filepath.IsAbs(post) {
				return nil, invalid("postInstallSourcePath", "must be absolute, got %q", post)
			}
			v.Finalize = &Finalize{CorrectedBundle: filepath.Clean(post)}
		}
		return v, nil
	case protocol.KindLegacyRestore:
		return LegacyRestore{Target: target, SystemName: req.SystemName, Image: source}, nil
	case protocol.KindMavericks:
		return Mavericks{Target: target, SystemName: req.SystemName, Image: source}, nil
	default:
		return PPC{Target: target, SystemName: req.SystemName, Source: source}, nil
	}
}

func validateTarget(t Target) error {
	if !wholeDiskRegex.MatchString(t.DeviceID) {
		return invalid("targetDeviceID", "%q is not a whole-disk identifier", t.DeviceID)
	}
	if t.Preformat {
		if t.Label == "" {
			return invalid("targetLabel", "is required when the target is formatted")
		}
		if strings.ContainsAny(t.Label, "/:") {
			return invalid("targetLabel", "%q contains a path separator", t.Label)
		}
		return nil
	}
	if t.VolumePath == "" {
		return invalid("targetVolumePath", "is required when the target is not formatted")
	}
	if !underVolumes(t.VolumePath) {
		return invalid("targetVolumePath", "%q is not a mounted volume", t.VolumePath)
	}
	return nil
}

func underVolumes(path string) bool {
	return strings.HasPrefix(filepath.Clean(path), VolumesRoot+"/")
}
