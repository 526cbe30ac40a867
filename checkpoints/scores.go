package checkpoints

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// ScoreEntry is the raw per-class score vector of one sample
type ScoreEntry struct {
	Name   string    `json:"name"`
	Scores []float32 `json:"scores"`
}

// NewScoreEntries pairs sample names with score rows
func NewScoreEntries(names []string, scores [][]float32) ([]ScoreEntry, error) {
	if len(names) != len(scores) {
		return nil, errors.Errorf("%d sample names for %d score rows", len(names), len(scores))
	}
	entries := make([]ScoreEntry, len(names))
	for i := range names {
		entries[i] = ScoreEntry{Name: names[i], Scores: scores[i]}
	}
	return entries, nil
}

// SaveScores writes a score artifact atomically in the given format. Proto
// layout: 1 entries (repeated message: 1 name, 3 packed fixed32 scores).
func SaveScores(path string, entries []ScoreEntry, format CheckpointFormat) error {
	var payload []byte
	switch format {
	case FormatJSON:
		var err error
		if payload, err = json.Marshal(entries); err != nil {
			return errors.Wrap(err, "failed to encode scores")
		}
	case FormatProto:
		for _, e := range entries {
			payload = protowire.AppendTag(payload, 1, protowire.BytesType)
			payload = protowire.AppendBytes(payload, marshalTensor(e.Name, nil, e.Scores, "", ""))
		}
	default:
		return errors.Errorf("unsupported score format: %s", format.String())
	}
	return WriteFileAtomic(path, payload)
}

// LoadScores reads a score artifact; the format follows the file extension
func LoadScores(path string) ([]ScoreEntry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open score file")
	}
	var entries []ScoreEntry
	if FormatForPath(path) == FormatJSON {
		if err := json.Unmarshal(raw, &entries); err != nil {
			return nil, errors.Wrapf(err, "failed to decode %s", path)
		}
		return entries, nil
	}
	err = forEachField(raw, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != 1 || typ != protowire.BytesType {
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n, nil
		}
		var e ScoreEntry
		var shape []int
		var layer string
		if err := unmarshalTensor(v, &e.Name, &shape, &e.Scores, &layer, nil); err != nil {
			return 0, err
		}
		entries = append(entries, e)
		return n, nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode %s", path)
	}
	return entries, nil
}
