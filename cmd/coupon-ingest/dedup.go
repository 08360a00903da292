package main

import (
	"github.com/bits-and-blooms/bloom/v3"
)

// fileIndex is what the first pass learns about one input file.
type fileIndex struct {
	filter *bloom.BloomFilter
	// repeated holds codes that may occur more than once in the file: every
	// code whose bloom test was positive when it was added.
	repeated map[string]struct{}
	rows     int
	rejected int
}

func newFileIndex(expected uint, fpr float64) *fileIndex {
	return &fileIndex{
		filter:   bloom.NewWithEstimates(expected, fpr),
		repeated: make(map[string]struct{}),
	}
}

func (f *fileIndex) add(code string) {
	f.rows++
	if f.filter.TestAndAddString(code) {
		f.repeated[code] = struct{}{}
	}
}

// deduper keeps the first occurrence of every code across files, taken in
// file order. Only codes that may repeat are remembered exactly, so memory
// grows with the number of duplicates (plus bloom false positives) rather
// than with the number of rows.
type deduper struct {
	files []*fileIndex
	seen  map[string]struct{}
}

func newDeduper(files []*fileIndex) *deduper {
	return &deduper{files: files, seen: make(map[string]struct{})}
}

// accept reports whether the code, read from file i, is its first occurrence.
func (d *deduper) accept(i int, code string) bool {
	if _, dup := d.seen[code]; dup {
		return false
	}
	if d.mayRepeat(i, code) {
		d.seen[code] = struct{}{}
	}
	return true
}

func (d *deduper) mayRepeat(i int, code string) bool {
	if _, ok := d.files[i].repeated[code]; ok {
		return true
	}
	for _, later := range d.files[i+1:] {
		if later.filter.TestString(code) {
			return true
		}
	}
	return false
}
