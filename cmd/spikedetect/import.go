package main

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"

	"github.com/RyanBlaney/sonido-spikes/recording/chunkstore"
)

// importCSV converts a CSV file with one row of samples per channel into a
// chunk store at dir.
func importCSV(path, dir string, samplingRate float64, chunkWidth int) error {
	if !(samplingRate > 0) {
		return fmt.Errorf("--fs must be a positive sampling rate")
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	data, err := readRows(f)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	channels, samples := data.Dims()
	w, err := chunkstore.Create(dir, channels, samples, chunkWidth, samplingRate)
	if err != nil {
		return err
	}
	if err := w.WriteMatrix(data); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

// readRows parses equally long rows of floats into a channel × sample matrix.
func readRows(r io.Reader) (*mat.Dense, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.Comment = '#'

	records, err := cr.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 || len(records[0]) == 0 {
		return nil, fmt.Errorf("no samples")
	}

	samples := len(records[0])
	data := mat.NewDense(len(records), samples, nil)
	for c, rec := range records {
		for s, field := range rec {
			v, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
			if err != nil {
				return nil, fmt.Errorf("channel %d sample %d: %w", c, s, err)
			}
			data.Set(c, s, v)
		}
	}
	return data, nil
}
