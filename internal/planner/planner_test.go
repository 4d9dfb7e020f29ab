package planner

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bootmaker/internal/progress"
	"bootmaker/internal/protocol"
)

func standardRequest() protocol.Request {
	return protocol.Request{
		Kind:           protocol.KindStandard,
		SystemName:     "macOS Big Sur",
		SourcePath:     "/Applications/Install macOS Big Sur.app",
		TargetDeviceID: "disk4",
		TargetLabel:    "USB",
		NeedsPreformat: true,
	}
}

func keys(stages []Stage) []string {
	out := make([]string, len(stages))
	for i, s := range stages {
		out[i] = s.Key
	}
	return out
}

func TestPlan_StandardWithPreformat(t *testing.T) {
	stages, err := Plan(standardRequest())
	require.NoError(t, err)

	require.Equal(t, []string{KeyPreformat, KeyCreateInstallMedia, KeyFinalize}, keys(stages))

	assert.Equal(t, 10.0, stages[0].StartPercent)
	assert.Equal(t, 30.0, stages[0].EndPercent)
	assert.Equal(t, "/usr/sbin/diskutil", stages[0].Command.Path)
	assert.Equal(t, []string{"eraseDisk", "JHFS+", "USB", "GPT", "/dev/disk4"}, stages[0].Command.Args)

	cim := stages[1]
	assert.Equal(t, 30.0, cim.StartPercent)
	assert.Equal(t, 98.0, cim.EndPercent)
	assert.True(t, cim.ParsesProgress)
	assert.Equal(t, progress.KindPercent, cim.Parser)
	assert.Equal(t, "/Applications/Install macOS Big Sur.app/Contents/Resources/createinstallmedia", cim.Command.Path)
	assert.Equal(t, []string{"--volume", "/Volumes/USB", "--nointeraction"}, cim.Command.Args)

	fin := stages[2]
	assert.Equal(t, 99.0, fin.StartPercent)
	assert.Equal(t, 100.0, fin.EndPercent)
	assert.True(t, fin.NoOp())

	// 45% reported by createinstallmedia lands at 60.6.
	assert.InDelta(t, 60.6, progress.Scale(cim.StartPercent, cim.EndPercent, 45), 1e-9)
}

func TestPlan_StandardWithoutPreformatUsesVolumePath(t *testing.T) {
	req := standardRequest()
	req.NeedsPreformat = false
	req.TargetLabel = ""
	req.TargetVolumePath = "/Volumes/Untitled"
	req.RequiresApplicationPathArg = true

	stages, err := Plan(req)
	require.NoError(t, err)
	require.Equal(t, []string{KeyCreateInstallMedia, KeyFinalize}, keys(stages))

	assert.Equal(t, 10.0, stages[0].StartPercent)
	assert.Equal(t, []string{
		"--volume", "/Volumes/Untitled", "--nointeraction",
		"--applicationpath", "/Applications/Install macOS Big Sur.app",
	}, stages[0].Command.Args)
}

func TestPlan_StandardFinalizeSequence(t *testing.T) {
	req := standardRequest()
	req.SourcePath = "/Applications/Install macOS Catalina.app"
	req.IsCatalinaFinalize = true
	req.PostInstallSourcePath = "/tmp/fixed/Install macOS Catalina.app"

	stages, err := Plan(req)
	require.NoError(t, err)
	require.Equal(t, []string{
		KeyPreformat, KeyCreateInstallMedia, KeyCleanup, KeyCopyBundle, KeyStripQuarantine, KeyFinalize,
	}, keys(stages))

	assert.Equal(t, 90.0, stages[1].EndPercent)
	assert.Equal(t, []string{"-rf", "/Volumes/Install macOS Catalina/Install macOS Catalina.app"}, stages[2].Command.Args)
	assert.Equal(t, []string{"-R", "/tmp/fixed/Install macOS Catalina.app", "/Volumes/Install macOS Catalina/"}, stages[3].Command.Args)
	assert.Equal(t, []string{"-dr", "com.apple.quarantine", "/Volumes/Install macOS Catalina/Install macOS Catalina.app"}, stages[4].Command.Args)
}

func TestPlan_FinalizeWithoutPostInstallSourceIsRequestError(t *testing.T) {
	req := standardRequest()
	req.IsCatalinaFinalize = true

	stages, err := Plan(req)
	require.Error(t, err)
	assert.Nil(t, stages)
	assert.True(t, errors.Is(err, ErrInvalidRequest))

	var reqErr *RequestError
	require.True(t, errors.As(err, &reqErr))
	assert.Equal(t, "postInstallSourcePath", reqErr.Field)
}

func TestPlan_FinalizeFlagIgnoredOutsideStandard(t *testing.T) {
	req := protocol.Request{
		Kind:               protocol.KindLegacyRestore,
		SourcePath:         "/Users/me/InstallESD.dmg",
		TargetDeviceID:     "disk2",
		TargetVolumePath:   "/Volumes/USB",
		IsCatalinaFinalize: true,
	}

	stages, err := Plan(req)
	require.NoError(t, err)
	assert.Equal(t, []string{KeyImageScan, KeyRestore, KeyFinalize}, keys(stages))
}

func TestPlan_RestoreKinds(t *testing.T) {
	for _, kind := range []protocol.WorkflowKind{protocol.KindLegacyRestore, protocol.KindMavericks} {
		t.Run(string(kind), func(t *testing.T) {
			req := protocol.Request{
				Kind:           kind,
				SourcePath:     "/Users/me/InstallESD.dmg",
				TargetDeviceID: "disk3",
				TargetLabel:    "Installer",
				NeedsPreformat: true,
			}

			stages, err := Plan(req)
			require.NoError(t, err)
			require.Equal(t, []string{KeyPreformat, KeyImageScan, KeyRestore, KeyFinalize}, keys(stages))

			scan, restore := stages[1], stages[2]
			assert.Equal(t, 30.0, scan.StartPercent)
			assert.Equal(t, 40.0, scan.EndPercent)
			assert.Equal(t, []string{"imagescan", "--source", "/Users/me/InstallESD.dmg"}, scan.Command.Args)
			assert.Equal(t, 98.0, restore.EndPercent)
			assert.Equal(t, progress.KindASR, restore.Parser)
			assert.Contains(t, restore.Command.Args, "--puppetstrings")
			assert.Equal(t, "/Volumes/Installer", restore.Command.Args[4])
		})
	}
}

func TestPlan_PPCUnmountedSourceBracketsRestore(t *testing.T) {
	req := protocol.Request{
		Kind:           protocol.KindPPC,
		SourcePath:     "/Users/me/Mac OS X Install (Tiger).dmg",
		TargetDeviceID: "disk5",
		TargetLabel:    "Tiger",
	}

	p := New(WithMountRoot("/tmp/bootmaker"))
	stages, err := p.Plan(req)
	require.NoError(t, err)
	require.Equal(t, []string{
		KeyMountPoint, KeyAttach, KeyPreformat, KeyRestore, KeyDetach, KeyFinalize,
	}, keys(stages))

	mp := "/tmp/bootmaker/ppc-Mac-OS-X-Install-Tiger"
	assert.Equal(t, []string{"-p", mp}, stages[0].Command.Args)

	attach := stages[1]
	assert.Equal(t, "attach", attach.Command.Args[0])
	assert.Contains(t, attach.Command.Args, "-readonly")
	require.NotNil(t, attach.Undo)
	assert.Equal(t, []string{"detach", mp, "-force"}, attach.Undo.Args)

	assert.Equal(t, []string{"eraseDisk", "HFS+", "Tiger", "APM", "/dev/disk5"}, stages[2].Command.Args)
	assert.Equal(t, mp, stages[3].Command.Args[2])

	detach := stages[4]
	assert.Equal(t, KeyAttach, detach.Releases)
	assert.Equal(t, *attach.Undo, detach.Command)

	attachCount, detachCount := 0, 0
	for _, s := range stages {
		switch s.Key {
		case KeyAttach:
			attachCount++
		case KeyDetach:
			detachCount++
		}
	}
	assert.Equal(t, 1, attachCount)
	assert.Equal(t, 1, detachCount)
}

func TestPlan_PPCMountedSource(t *testing.T) {
	req := protocol.Request{
		Kind:           protocol.KindPPC,
		SourcePath:     "/Volumes/Mac OS X Install DVD",
		TargetDeviceID: "disk5",
		TargetLabel:    "Leopard",
	}

	stages, err := Plan(req)
	require.NoError(t, err)
	assert.Equal(t, []string{KeyPreformat, KeyRestore, KeyFinalize}, keys(stages))
	assert.Equal(t, "/Volumes/Mac OS X Install DVD", stages[1].Command.Args[2])
}

func TestPlan_InvalidRequests(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*protocol.Request)
		field  string
	}{
		{"partition identifier", func(r *protocol.Request) { r.TargetDeviceID = "disk4s1" }, "targetDeviceID"},
		{"device path", func(r *protocol.Request) { r.TargetDeviceID = "/dev/disk4" }, "targetDeviceID"},
		{"empty device", func(r *protocol.Request) { r.TargetDeviceID = "" }, "targetDeviceID"},
		{"unknown kind", func(r *protocol.Request) { r.Kind = "windows" }, "workflowKind"},
		{"missing source", func(r *protocol.Request) { r.SourcePath = "" }, "sourcePath"},
		{"relative source", func(r *protocol.Request) { r.SourcePath = "Install.app" }, "sourcePath"},
		{"standard needs app", func(r *protocol.Request) { r.SourcePath = "/tmp/image.dmg" }, "sourcePath"},
		{"missing label", func(r *protocol.Request) { r.TargetLabel = "" }, "targetLabel"},
		{"label with slash", func(r *protocol.Request) { r.TargetLabel = "a/b" }, "targetLabel"},
		{"missing volume", func(r *protocol.Request) { r.NeedsPreformat = false }, "targetVolumePath"},
		{"volume outside /Volumes", func(r *protocol.Request) {
			r.NeedsPreformat = false
			r.TargetVolumePath = "/tmp/usb"
		}, "targetVolumePath"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := standardRequest()
			tt.mutate(&req)

			_, err := Plan(req)
			require.Error(t, err)

			var reqErr *RequestError
			require.True(t, errors.As(err, &reqErr), "want *RequestError, got %T", err)
			assert.Equal(t, tt.field, reqErr.Field)
		})
	}
}

func TestPlan_LayoutHoldsForAllValidRequests(t *testing.T) {
	var requests []protocol.Request
	for _, kind := range []protocol.WorkflowKind{
		protocol.KindStandard, protocol.KindLegacyRestore, protocol.KindMavericks, protocol.KindPPC,
	} {
		for _, preformat := range []bool{true, false} {
			for _, finalize := range []bool{true, false} {
				for _, source := range []string{"/Applications/Install macOS Catalina.app", "/Volumes/Install DVD", "/Users/me/Install.dmg"} {
					requests = append(requests, protocol.Request{
						Kind:                  kind,
						SourcePath:            source,
						TargetDeviceID:        "disk9",
						TargetLabel:           "Target",
						TargetVolumePath:      "/Volumes/Target",
						NeedsPreformat:        preformat,
						IsCatalinaFinalize:    finalize,
						PostInstallSourcePath: "/tmp/Install macOS Catalina.app",
					})
				}
			}
		}
	}

	planned := 0
	for _, req := range requests {
		stages, err := Plan(req)
		if errors.Is(err, ErrInvalidRequest) {
			continue
		}
		require.NoError(t, err)
		planned++

		require.NoError(t, Validate(stages))
		assert.GreaterOrEqual(t, stages[0].StartPercent, 0.0)
		assert.Equal(t, 100.0, stages[len(stages)-1].EndPercent)
		assert.Equal(t, KeyFinalize, stages[len(stages)-1].Key)
		for i := 1; i < len(stages); i++ {
			assert.GreaterOrEqual(t, stages[i].StartPercent, stages[i-1].EndPercent)
		}
	}
	assert.Greater(t, planned, 20)
}

func TestPlan_Deterministic(t *testing.T) {
	first, err := Plan(standardRequest())
	require.NoError(t, err)
	second, err := Plan(standardRequest())
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestValidate(t *testing.T) {
	ok := []Stage{
		{Key: "a", StartPercent: 10, EndPercent: 30},
		{Key: "b", StartPercent: 30, EndPercent: 98},
		{Key: "c", StartPercent: 99, EndPercent: 100},
	}
	require.NoError(t, Validate(ok))

	tests := []struct {
		name   string
		stages []Stage
	}{
		{"empty", nil},
		{"negative start", []Stage{{Key: "a", StartPercent: -1, EndPercent: 100}}},
		{"overlap", []Stage{{Key: "a", StartPercent: 0, EndPercent: 50}, {Key: "b", StartPercent: 40, EndPercent: 100}}},
		{"gap", []Stage{{Key: "a", StartPercent: 0, EndPercent: 50}, {Key: "b", StartPercent: 60, EndPercent: 100}}},
		{"short", []Stage{{Key: "a", StartPercent: 0, EndPercent: 99}}},
		{"backwards", []Stage{{Key: "a", StartPercent: 50, EndPercent: 10}, {Key: "b", StartPercent: 10, EndPercent: 100}}},
		{"duplicate", []Stage{{Key: "a", StartPercent: 0, EndPercent: 50}, {Key: "a", StartPercent: 50, EndPercent: 100}}},
		{"unknown release", []Stage{{Key: "a", StartPercent: 0, EndPercent: 50}, {Key: "b", StartPercent: 50, EndPercent: 100, Releases: "x"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, Validate(tt.stages))
		})
	}
}

func TestWithToolsKeepsDefaultsForEmptyFields(t *testing.T) {
	p := New(WithTools(Tools{ASR: "/opt/asr"}))
	tools := p.Tools()
	assert.Equal(t, "/opt/asr", tools.ASR)
	assert.Equal(t, "/usr/sbin/diskutil", tools.Diskutil)
	assert.Equal(t, "/usr/bin/hdiutil", tools.Hdiutil)
}

func TestMountPointSanitizesName(t *testing.T) {
	p := New()
	assert.Equal(t, DefaultMountRoot+"/ppc-Leopard-Install", p.MountPoint("/Users/me/Leopard Install.dmg"))
	assert.Equal(t, DefaultMountRoot+"/ppc-source", p.MountPoint("/tmp/!!!.iso"))
}
