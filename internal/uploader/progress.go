package uploader

import "time"

// Progress is a snapshot of an upload. Bytes and Total span all files of the
// batch; FileBytes covers only the current file. Total is zero when any size
// is unknown.
type Progress struct {
	File      string        `json:"file"`
	FileIndex int           `json:"fileIndex"`
	FileCount int           `json:"fileCount"`
	Chunk     int           `json:"chunk"`
	Bytes     int64         `json:"bytes"`
	FileBytes int64         `json:"fileBytes"`
	Total     int64         `json:"total"`
	Elapsed   time.Duration `json:"elapsed"`
}

// ProgressFunc receives a snapshot after every stored chunk.
type ProgressFunc func(Progress)

// Percent returns completion in [0, 100], or 0 when the total is unknown.
func (p Progress) Percent() float64 {
	if p.Total <= 0 {
		return 0
	}
	return float64(p.Bytes) * 100 / float64(p.Total)
}

// Rate returns throughput in bytes per second since the batch started.
func (p Progress) Rate() float64 {
	if p.Elapsed <= 0 {
		return 0
	}
	return float64(p.Bytes) / p.Elapsed.Seconds()
}

type progressTracker struct {
	fn        ProgressFunc
	fileCount int
	total     int64
	start     time.Time
	now       func() time.Time

	file      string
	fileIndex int
	chunks    int
	bytes     int64
	fileBytes int64
}

func (t *progressTracker) startFile(index int, name string) {
	t.fileIndex = index
	t.file = name
	t.chunks = 0
	t.fileBytes = 0
}

func (t *progressTracker) chunk(n int64) {
	t.chunks++
	t.bytes += n
	t.fileBytes += n
	if t.fn == nil {
		return
	}
	t.fn(Progress{
		File:      t.file,
		FileIndex: t.fileIndex,
		FileCount: t.fileCount,
		Chunk:     t.chunks,
		Bytes:     t.bytes,
		FileBytes: t.fileBytes,
		Total:     t.total,
		Elapsed:   t.now().Sub(t.start),
	})
}
