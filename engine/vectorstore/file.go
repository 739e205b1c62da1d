package vectorstore

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
)

// FileSource reads records from a local JSON Lines file, one VectorRecord
// per line. A file holding a single JSON array is accepted too.
type FileSource struct {
	Path string
}

// NewFileSource creates a FileSource.
func NewFileSource(path string) *FileSource {
	return &FileSource{Path: path}
}

// List reads the whole file.
func (s *FileSource) List(ctx context.Context) ([]VectorRecord, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: open %s: %w", s.Path, err)
	}
	defer f.Close()

	recs, err := ReadRecords(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: %s: %w", s.Path, err)
	}
	return recs, nil
}

// ReadRecords decodes a stream of JSON records.
func ReadRecords(ctx context.Context, r io.Reader) ([]VectorRecord, error) {
	br := bufio.NewReader(r)
	first, err := peekNonSpace(br)
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(br)
	dec.UseNumber()

	if first == '[' {
		var recs []VectorRecord
		if err := dec.Decode(&recs); err != nil {
			return nil, fmt.Errorf("decode array: %w", err)
		}
		return recs, nil
	}

	var recs []VectorRecord
	for n := 1; ; n++ {
		if n%1024 == 0 && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var rec VectorRecord
		err := dec.Decode(&rec)
		if errors.Is(err, io.EOF) {
			return recs, nil
		}
		if err != nil {
			return nil, fmt.Errorf("decode record %d: %w", n, err)
		}
		recs = append(recs, rec)
	}
}

// WriteRecords encodes records as JSON Lines.
func WriteRecords(w io.Writer, recs []VectorRecord) error {
	enc := json.NewEncoder(w)
	for _, r := range recs {
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	return nil
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		}
		return b, br.UnreadByte()
	}
}
