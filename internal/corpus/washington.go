package corpus

import (
	"log/slog"
	"path/filepath"
	"strings"
)

// defaultCrossValidation is the Washington cross-validation set used when
// Options.CrossValidation is empty.
const defaultCrossValidation = "cv1"

// washingtonEscapes are applied in order. The plain "-" is a character
// separator and goes first; "|" separates words.
var washingtonEscapes = []struct{ code, repl string }{
	{"-", ""},
	{"|", " "},
	{"s_pt", "."},
	{"s_cm", ","},
	{"s_mi", "-"},
	{"s_qo", ":"},
	{"s_sq", ";"},
	{"s_et", "V"},
	{"s_bl", "("},
	{"s_br", ")"},
	{"s_qt", "'"},
	{"s_GW", "G.W."},
	{"s_", ""},
}

// washington reads the George Washington database: sets/<cv>/*.txt id
// lists and a single ground_truth/transcription.txt table.
type washington struct {
	log *slog.Logger
	cv  string
}

func newWashington(opts Options) Adapter {
	cv := strings.TrimSpace(opts.CrossValidation)
	if cv == "" {
		cv = defaultCrossValidation
	}

	return &washington{log: opts.logger(), cv: cv}
}

func (w *washington) Name() string { return "washington" }

func (w *washington) ImageDir(root string) string {
	return filepath.Join(root, "data", "line_images_normalized")
}

func (w *washington) listFiles(root string) [3]string {
	set := filepath.Join(root, "sets", w.cv)

	return [3]string{
		filepath.Join(set, "train.txt"),
		filepath.Join(set, "valid.txt"),
		filepath.Join(set, "test.txt"),
	}
}

func (w *washington) transcriptionFile(root string) string {
	return filepath.Join(root, "ground_truth", "transcription.txt")
}

func (w *washington) RequiredFiles(root string) []string {
	lists := w.listFiles(root)

	return append(lists[:], w.transcriptionFile(root))
}

func (w *washington) Parse(root string) (RawSplit, error) {
	var ids [3][]string

	for i, path := range w.listFiles(root) {
		lines, err := readLines(path)
		if err != nil {
			return RawSplit{}, err
		}

		ids[i] = lines
	}

	rows, err := readLines(w.transcriptionFile(root))
	if err != nil {
		return RawSplit{}, err
	}

	gt := make(map[string]string, len(rows))

	for _, row := range rows {
		fields := strings.Fields(row)
		if len(fields) < 2 {
			continue
		}

		gt[fields[0]] = decodeWashington(fields[1])
	}

	imgDir := w.ImageDir(root)
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

	return finalize(w.Name(), w.log, build(ids[0]), build(ids[1]), build(ids[2]))
}

// decodeWashington turns an escaped transcription token into plain text.
func decodeWashington(token string) string {
	for _, esc := range washingtonEscapes {
		token = strings.ReplaceAll(token, esc.code, esc.repl)
	}

	return token
}
