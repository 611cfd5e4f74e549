package client

import (
	"io"
	"os"

	"github.com/cheggaaa/pb/v3"
)

const progressTemplate = `{{string . "file"}} {{counters . }} {{bar . }} {{percent . }} {{speed . }}`

// progress is a byte-counting transfer bar. The zero value draws nothing.
type progress struct {
	bar *pb.ProgressBar
}

func (c *Client) newProgress(total int64) progress {
	if !c.opts.Progress || total <= 0 {
		return progress{}
	}
	out := c.opts.ProgressOut
	if out == nil {
		out = os.Stderr
	}

	bar := pb.New64(total)
	bar.Set(pb.Bytes, true)
	bar.SetTemplate(progressTemplate)
	bar.SetWriter(out)
	bar.Start()
	return progress{bar: bar}
}

// wrap counts bytes read from r against the bar.
func (p progress) wrap(r io.Reader, name string) io.Reader {
	if p.bar == nil {
		return r
	}
	p.bar.Set("file", name)
	return p.bar.NewProxyReader(r)
}

func (p progress) finish() {
	if p.bar != nil {
		p.bar.Finish()
	}
}
