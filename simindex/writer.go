package simindex

import (
	"sync"

	"github.com/apex/log"
)

type insert struct {
	reportSeq int64
	vec       []float32
}

// Writer serializes index inserts onto a background goroutine so the
// report pipeline never blocks on index maintenance. Every accepted
// insert is followed by a save, keeping the file current across restarts.
type Writer struct {
	idx  *Index
	ch   chan insert
	done sync.WaitGroup
	once sync.Once
}

// NewWriter starts the background insert worker.
func NewWriter(idx *Index) *Writer {
	w := &Writer{
		idx: idx,
		ch:  make(chan insert, 64),
	}
	w.done.Add(1)
	go w.run()
	return w
}

// Enqueue schedules an insert. It never blocks the caller for long: the
// channel is buffered and drained by a single worker.
func (w *Writer) Enqueue(reportSeq int64, vec []float32) {
	w.ch <- insert{reportSeq: reportSeq, vec: vec}
}

// Close drains pending inserts and stops the worker.
func (w *Writer) Close() {
	w.once.Do(func() { close(w.ch) })
	w.done.Wait()
}

func (w *Writer) run() {
	defer w.done.Done()
	for ins := range w.ch {
		if err := w.idx.Add(ins.reportSeq, ins.vec); err != nil {
			log.Errorf("Failed to add report %d to similarity index: %v", ins.reportSeq, err)
			continue
		}
		if err := w.idx.Save(); err != nil {
			log.Errorf("Failed to save similarity index: %v", err)
		}
	}
}
