package runner

import (
	"github.com/albertocavalcante/sky/internal/ipc"
	"github.com/albertocavalcante/sky/internal/model"
)

// RunMessageFor builds the run message a bucket is dispatched with.
func RunMessageFor(b *model.Bucket) ipc.RunMessage {
	entries := make([]ipc.TestEntry, len(b.Tests))
	for i, t := range b.Tests {
		retry := len(t.Attempts)
		entries[i] = ipc.TestEntry{
			TestID:         t.ID,
			Retry:          retry,
			ExpectedStatus: string(t.ExpectedStatus),
			Skipped:        t.ExpectedStatus == model.StatusSkipped,
			TimeoutMS:      t.Timeout.Milliseconds(),
		}
	}
	variation := make(map[string]string)
	if b.VariationIndex < len(b.Project.Define) {
		for k, v := range b.Project.Define[b.VariationIndex] {
			variation[k] = v.String()
		}
	}
	return ipc.RunMessage{
		File:            b.File,
		Entries:         entries,
		Variation:       variation,
		VariationString: b.VariationString,
		RepeatEachIndex: b.RepeatIndex,
	}
}

// LoaderSnapshotFor builds the init message's loader view for project.
func LoaderSnapshotFor(project *model.Project, testPrefix string, preludes []string, updateSnapshots bool) ipc.LoaderSnapshot {
	return ipc.LoaderSnapshot{
		TestPrefix:       testPrefix,
		Preludes:         preludes,
		ProjectName:      project.Name,
		ProjectDir:       project.Dir,
		OutputDir:        project.OutputDir,
		SnapshotDir:      project.SnapshotDir,
		DefaultTimeoutMS: project.Timeout.Milliseconds(),
		Environments:     project.Environments,
		UpdateSnapshots:  updateSnapshots,
	}
}
