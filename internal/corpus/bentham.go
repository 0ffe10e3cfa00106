package corpus

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/example/go-htrdata/internal/text"
	"github.com/yargevad/filepathx"
	"golang.org/x/net/html"
)

// gapMarker is the TEI element Bentham transcribers use for illegible text.
const gapMarker = "<gap/>"

// bentham reads the BenthamDatasetR0-GT layout: line lists under
// Partitions/, one transcription file per line under Transcriptions/.
type bentham struct {
	log *slog.Logger
}

func (b *bentham) Name() string { return "bentham" }

func (b *bentham) ImageDir(root string) string {
	return filepath.Join(root, "Images", "Lines")
}

func (b *bentham) listFiles(root string) [3]string {
	pt := filepath.Join(root, "Partitions")

	return [3]string{
		filepath.Join(pt, "TrainLines.lst"),
		filepath.Join(pt, "ValidationLines.lst"),
		filepath.Join(pt, "TestLines.lst"),
	}
}

func (b *bentham) RequiredFiles(root string) []string {
	lists := b.listFiles(root)

	return append(lists[:], filepath.Join(root, "Transcriptions"))
}

func (b *bentham) Parse(root string) (RawSplit, error) {
	var ids [3][]string

	for i, path := range b.listFiles(root) {
		lines, err := readLines(path)
		if err != nil {
			return RawSplit{}, err
		}

		ids[i] = lines
	}

	gt, err := b.readTranscriptions(filepath.Join(root, "Transcriptions"))
	if err != nil {
		return RawSplit{}, err
	}

	imgDir := b.ImageDir(root)
	build := func(list []string) []entry {
		out := make([]entry, 0, len(list))
		for _, id := range list {
			label, ok := gt[id]
			out = append(out, entry{
				id:          id,
				imagePath:   filepath.Join(imgDir, id+".png"),
				groundTruth: label,
				found:       ok,
			})
		}

		return out
	}

	return finalize(b.Name(), b.log, build(ids[0]), build(ids[1]), build(ids[2]))
}

func (b *bentham) readTranscriptions(dir string) (map[string]string, error) {
	if _, err := os.Stat(dir); err != nil {
		return nil, sourceError(dir, err)
	}

	files, err := filepathx.Glob(filepath.Join(dir, "**", "*.txt"))
	if err != nil {
		return nil, fmt.Errorf("corpus: list %s: %w", dir, err)
	}

	out := make(map[string]string, len(files))

	for _, path := range files {
		lines, err := readAllLines(path)
		if err != nil {
			return nil, err
		}

		id := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		out[id] = cleanBenthamLine(strings.Join(lines, " "))
	}

	return out, nil
}

func cleanBenthamLine(s string) string {
	s = html.UnescapeString(s)
	s = strings.ReplaceAll(s, gapMarker, "")

	return text.CollapseWhitespace(s)
}
