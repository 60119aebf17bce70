package fetch

import (
	"io"

	"github.com/cheggaaa/pb/v3"
)

const progressTemplate = `Fetching {{counters . }} {{bar . }} {{percent . }} {{string . "file"}}`

// fetchProgress tracks the files of one FetchAll call. A nil fetchProgress
// is valid and does nothing.
type fetchProgress struct {
	bar *pb.ProgressBar
}

func newFetchProgress(w io.Writer, totalFiles int) *fetchProgress {
	if w == nil || totalFiles == 0 {
		return nil
	}
	bar := pb.New(totalFiles)
	bar.SetWriter(w)
	bar.SetTemplate(progressTemplate)
	bar.Start()
	return &fetchProgress{bar: bar}
}

func (p *fetchProgress) current(name string) {
	if p == nil {
		return
	}
	p.bar.Set("file", name)
}

func (p *fetchProgress) done() {
	if p == nil {
		return
	}
	p.bar.Increment()
}

func (p *fetchProgress) finish() {
	if p == nil {
		return
	}
	p.bar.Finish()
}
