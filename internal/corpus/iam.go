package corpus

import (
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/example/go-htrdata/internal/text"
)

// iamTextField is the first lines.txt column holding transcription words.
const iamTextField = 8

// iam reads the IAM handwriting database with the large writer-independent
// text line recognition task split.
type iam struct {
	log *slog.Logger
}

func (a *iam) Name() string { return "iam" }

func (a *iam) ImageDir(root string) string {
	return filepath.Join(root, "lines")
}

func (a *iam) taskFile(root, name string) string {
	return filepath.Join(root, "largeWriterIndependentTextLineRecognitionTask", name)
}

func (a *iam) groundTruthFile(root string) string {
	return filepath.Join(root, "ground_truth", "lines.txt")
}

func (a *iam) RequiredFiles(root string) []string {
	return []string{
		a.taskFile(root, "trainset.txt"),
		a.taskFile(root, "validationset1.txt"),
		a.taskFile(root, "validationset2.txt"),
		a.taskFile(root, "testset.txt"),
		a.groundTruthFile(root),
	}
}

func (a *iam) Parse(root string) (RawSplit, error) {
	lists := map[string][]string{}

	for _, name := range []string{"trainset.txt", "validationset1.txt", "validationset2.txt", "testset.txt"} {
		lines, err := readLines(a.taskFile(root, name))
		if err != nil {
			return RawSplit{}, err
		}

		lists[name] = lines
	}

	rows, err := readAllLines(a.groundTruthFile(root))
	if err != nil {
		return RawSplit{}, err
	}

	gt := make(map[string]string, len(rows))

	for _, row := range rows {
		if row == "" || strings.HasPrefix(row, "#") {
			continue
		}

		fields := strings.Fields(row)
		if len(fields) == 0 {
			continue
		}

		gt[fields[0]] = parseIAMText(fields)
	}

	imgDir := a.ImageDir(root)
	build := func(list []string) []entry {
		out := make([]entry, 0, len(list))
		for _, id := range list {
			parts := strings.Split(id, "-")
			if len(parts) < 3 {
				a.log.Warn("malformed line id, skipping", slog.String("corpus", a.Name()), slog.String("id", id))
				continue
			}

			label, ok := gt[id]
			out = append(out, entry{
				id:          id,
				imagePath:   filepath.Join(imgDir, strings.Join(parts[:3], "-")+".png"),
				groundTruth: label,
				found:       ok,
			})
		}

		return out
	}

	valid := append(append([]string(nil), lists["validationset1.txt"]...), lists["validationset2.txt"]...)

	return finalize(a.Name(), a.log, build(lists["trainset.txt"]), build(valid), build(lists["testset.txt"]))
}

// parseIAMText joins the transcription columns of a lines.txt row, turns
// the "|" word separator into spaces and fixes punctuation spacing.
func parseIAMText(fields []string) string {
	if len(fields) <= iamTextField {
		return ""
	}

	joined := strings.ReplaceAll(strings.Join(fields[iamTextField:], " "), "|", " ")

	return text.CorrectPunctuationSpacing(joined)
}
