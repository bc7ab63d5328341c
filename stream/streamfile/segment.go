package streamfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/alpacahq/replica/stream"
)

const segmentExt = ".seg"

type segment struct {
	start stream.Position
	size  int64
	path  string
	f     *os.File
}

// segmentPath names a segment by its start position, zero padded so that
// lexical and numeric order agree.
func segmentPath(dir string, start stream.Position) string {
	return filepath.Join(dir, fmt.Sprintf("%020d%s", uint64(start), segmentExt))
}

func createSegment(dir string, start stream.Position) (*segment, error) {
	path := segmentPath(dir, start)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "create segment %s", path)
	}
	return &segment{start: start, path: path, f: f}, nil
}

func removeSegments(dir string) error {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return errors.Wrapf(err, "list %s", dir)
	}
	for _, e := range ents {
		if e.IsDir() || !strings.HasSuffix(e.Name(), segmentExt) {
			continue
		}
		if err = os.Remove(filepath.Join(dir, e.Name())); err != nil {
			return errors.Wrapf(err, "remove stale segment %s", e.Name())
		}
	}
	return nil
}
