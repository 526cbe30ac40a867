package checkpoints

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/irvl/slgt-go/model"
)

func testCheckpoint() *Checkpoint {
	return &Checkpoint{
		Weights: []WeightTensor{
			{Name: "fc.weight", Shape: []int{2, 3}, Data: []float32{1, 2, 3, 4, 5, 6}, Layer: "fc", Type: "weight"},
			{Name: "fc.bias", Shape: []int{2}, Data: []float32{-0.5, 0.25}, Layer: "fc", Type: "bias"},
		},
		Optimizer: &OptimizerState{
			Type:       "SGD",
			Parameters: map[string]interface{}{"momentum": 0.9, "nesterov": true},
			StateData: []OptimizerTensor{
				{Name: "fc.bias", Shape: []int{2}, Data: []float32{0.1, 0.2}, StateType: "momentum"},
			},
		},
		LR:               0.01,
		BestAcc:          Float(0.8),
		BestAcc5:         Float(0.95),
		BestAccPerClass:  Float(0.7),
		BestAcc5PerClass: Float(0.9),
		Epoch:            Int(12),
		GlobalStep:       3400,
		Metadata: CheckpointMetadata{
			RunID:       "run-1",
			Description: "unit test",
			Tags:        []string{"a", "b"},
			CreatedAt:   time.Unix(1700000000, 42),
		},
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		format CheckpointFormat
	}{
		{"json", FormatJSON},
		{"proto", FormatProto},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "best_model"+tt.format.Extension())
			saver := NewCheckpointSaver(tt.format)
			if err := saver.SaveCheckpoint(testCheckpoint(), path); err != nil {
				t.Fatalf("Failed to save checkpoint: %v", err)
			}

			loaded, err := saver.LoadCheckpoint(path)
			if err != nil {
				t.Fatalf("Failed to load checkpoint: %v", err)
			}
			want := testCheckpoint()

			if len(loaded.Weights) != len(want.Weights) {
				t.Fatalf("Expected %d weights, got %d", len(want.Weights), len(loaded.Weights))
			}
			for i, w := range loaded.Weights {
				if w.Name != want.Weights[i].Name || w.Layer != want.Weights[i].Layer || w.Type != want.Weights[i].Type {
					t.Errorf("Weight %d: expected %+v, got %+v", i, want.Weights[i], w)
				}
				for j, v := range w.Data {
					if v != want.Weights[i].Data[j] {
						t.Errorf("Weight %s[%d]: expected %f, got %f", w.Name, j, want.Weights[i].Data[j], v)
					}
				}
			}
			if loaded.LR != want.LR {
				t.Errorf("Expected lr %f, got %f", want.LR, loaded.LR)
			}
			if loaded.BestAcc == nil || *loaded.BestAcc != 0.8 {
				t.Errorf("Expected best_acc 0.8, got %v", loaded.BestAcc)
			}
			if loaded.BestAcc5PerClass == nil || *loaded.BestAcc5PerClass != 0.9 {
				t.Errorf("Expected best_accuracy_5_per_class 0.9, got %v", loaded.BestAcc5PerClass)
			}
			if loaded.Epoch == nil || *loaded.Epoch != 12 {
				t.Errorf("Expected epoch 12, got %v", loaded.Epoch)
			}
			if loaded.GlobalStep != 3400 {
				t.Errorf("Expected global step 3400, got %d", loaded.GlobalStep)
			}
			if loaded.Optimizer == nil || loaded.Optimizer.Type != "SGD" {
				t.Fatalf("Expected SGD optimizer state, got %+v", loaded.Optimizer)
			}
			if loaded.Optimizer.Parameters["momentum"] != 0.9 {
				t.Errorf("Expected momentum 0.9, got %v", loaded.Optimizer.Parameters["momentum"])
			}
			if st := loaded.Optimizer.StateData; len(st) != 1 || st[0].StateType != "momentum" || st[0].Data[1] != 0.2 {
				t.Errorf("Unexpected optimizer state data %+v", st)
			}
			if loaded.Metadata.RunID != "run-1" || len(loaded.Metadata.Tags) != 2 {
				t.Errorf("Metadata not preserved: %+v", loaded.Metadata)
			}
			if !loaded.Metadata.CreatedAt.Equal(want.Metadata.CreatedAt) {
				t.Errorf("Expected created_at %v, got %v", want.Metadata.CreatedAt, loaded.Metadata.CreatedAt)
			}
			if loaded.Metadata.Checksum == "" {
				t.Error("Expected checksum to be stamped")
			}
		})
	}
}

func TestOptionalFieldsStayAbsent(t *testing.T) {
	for _, format := range []CheckpointFormat{FormatJSON, FormatProto} {
		path := filepath.Join(t.TempDir(), "ckpt"+format.Extension())
		saver := NewCheckpointSaver(format)
		ckpt := &Checkpoint{Weights: testCheckpoint().Weights, LR: 0.1}
		if err := saver.SaveCheckpoint(ckpt, path); err != nil {
			t.Fatalf("%s: save failed: %v", format, err)
		}
		loaded, err := saver.LoadCheckpoint(path)
		if err != nil {
			t.Fatalf("%s: load failed: %v", format, err)
		}
		if loaded.BestAcc != nil || loaded.Epoch != nil || loaded.Optimizer != nil {
			t.Errorf("%s: expected absent optional fields, got best_acc=%v epoch=%v optimizer=%v",
				format, loaded.BestAcc, loaded.Epoch, loaded.Optimizer)
		}
	}
}

func TestChecksumMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ckpt.pb")
	saver := NewCheckpointSaver(FormatProto)
	if err := saver.SaveCheckpoint(testCheckpoint(), path); err != nil {
		t.Fatalf("Failed to save checkpoint: %v", err)
	}

	// same digest, different data
	ckpt := testCheckpoint()
	ckpt.Metadata.Checksum = WeightsDigest(ckpt.Weights)
	ckpt.Weights[1].Data[1] = 7
	tampered, err := marshalCheckpoint(ckpt)
	if err != nil {
		t.Fatal(err)
	}
	if err := WriteFileAtomic(path, tampered); err != nil {
		t.Fatal(err)
	}

	_, err = saver.LoadCheckpoint(path)
	if !errors.Is(err, ErrChecksum) {
		t.Errorf("Expected ErrChecksum, got %v", err)
	}
}

func TestWriteFileAtomicLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "file.json")
	for _, payload := range []string{"first", "second"} {
		if err := WriteFileAtomic(path, []byte(payload)); err != nil {
			t.Fatalf("WriteFileAtomic failed: %v", err)
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "second" {
		t.Errorf("Expected overwritten content, got %q", data)
	}
	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("Expected only the target file, found %d entries", len(entries))
	}
}

func TestFormatHelpers(t *testing.T) {
	tests := []struct {
		in      string
		want    CheckpointFormat
		wantErr bool
	}{
		{"", FormatJSON, false},
		{"json", FormatJSON, false},
		{"Proto", FormatProto, false},
		{"pb", FormatProto, false},
		{"onnx", FormatJSON, true},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseFormat(%q): unexpected error state %v", tt.in, err)
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseFormat(%q): expected %s, got %s", tt.in, tt.want, got)
		}
	}
	if FormatForPath("x/best_model.pb") != FormatProto || FormatForPath("x/best_model.json") != FormatJSON {
		t.Error("FormatForPath picked the wrong format")
	}
}

func TestLoadWeights(t *testing.T) {
	weights := []WeightTensor{
		{Name: "module.fc.weight", Shape: []int{2, 2}, Data: []float32{1, 2, 3, 4}},
		{Name: "module.fc.bias", Shape: []int{3}, Data: []float32{1, 1, 1}},
		{Name: "module.head.weight", Shape: []int{1}, Data: []float32{9}},
		{Name: "extra", Shape: []int{1}, Data: []float32{0}},
	}
	w := model.NewParameter("fc.weight", 2, 2)
	b := model.NewParameter("fc.bias", 2)
	g := model.NewParameter("gate.DecoupleA", 2)

	report := LoadWeights(weights, []*model.Parameter{w, b, g}, []string{"head.weight", "not.there"})

	if w.Data[3] != 4 {
		t.Errorf("Expected fc.weight to be loaded, got %v", w.Data)
	}
	if b.Data[0] != 0 {
		t.Errorf("Expected fc.bias untouched on shape mismatch, got %v", b.Data)
	}
	checks := []struct {
		name string
		got  []string
		want []string
	}{
		{"loaded", report.Loaded, []string{"fc.weight"}},
		{"removed", report.Removed, []string{"head.weight"}},
		{"not removed", report.NotRemoved, []string{"not.there"}},
		{"missing", report.Missing, []string{"gate.DecoupleA"}},
		{"shape mismatch", report.ShapeMismatch, []string{"fc.bias"}},
		{"unexpected", report.Unexpected, []string{"extra"}},
	}
	for _, c := range checks {
		if len(c.got) != len(c.want) {
			t.Errorf("%s: expected %v, got %v", c.name, c.want, c.got)
			continue
		}
		for i := range c.got {
			if c.got[i] != c.want[i] {
				t.Errorf("%s: expected %v, got %v", c.name, c.want, c.got)
			}
		}
	}
	if report.Complete() {
		t.Error("Expected incomplete load")
	}
}

func TestExtractWeights(t *testing.T) {
	p := model.NewParameter("block.conv.weight", 2)
	p.Data[0] = 3
	weights := ExtractWeights([]*model.Parameter{p})
	if len(weights) != 1 || weights[0].Layer != "block.conv" || weights[0].Type != "weight" {
		t.Fatalf("Unexpected weights %+v", weights)
	}
	p.Data[0] = 5
	if weights[0].Data[0] != 3 {
		t.Error("ExtractWeights must copy parameter data")
	}
}

func TestScoreArtifactRoundTrip(t *testing.T) {
	entries, err := NewScoreEntries([]string{"s0", "s1"}, [][]float32{{0.1, 0.9}, {0.7, -0.3}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewScoreEntries([]string{"s0"}, nil); err == nil {
		t.Error("Expected error for mismatched names and rows")
	}

	for _, format := range []CheckpointFormat{FormatJSON, FormatProto} {
		path := filepath.Join(t.TempDir(), "epoch_1_0.5"+format.Extension())
		if err := SaveScores(path, entries, format); err != nil {
			t.Fatalf("%s: save failed: %v", format, err)
		}
		loaded, err := LoadScores(path)
		if err != nil {
			t.Fatalf("%s: load failed: %v", format, err)
		}
		if len(loaded) != 2 || loaded[1].Name != "s1" || loaded[1].Scores[1] != -0.3 {
			t.Errorf("%s: unexpected entries %+v", format, loaded)
		}
	}
}
