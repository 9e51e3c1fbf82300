package model

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	ort "github.com/yalue/onnxruntime_go"
)

func writeFile(t *testing.T, path string, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}

const elevenClasses = `["ca","cb","cc","cd","ce","cf","cg","ch","ci","cj","ck"]`

func writeMetadata(t *testing.T, dir string) {
	t.Helper()
	writeFile(t, filepath.Join(dir, MetadataFileName), `{"classes": `+elevenClasses+`}`)
}

func expectLoadError(t *testing.T, err error, contains string) {
	t.Helper()
	var loadErr *LoadError
	if !errors.As(err, &loadErr) {
		t.Fatalf("expected LoadError, got %v", err)
	}
	if !errors.Is(err, ErrLoad) {
		t.Fatalf("expected errors.Is ErrLoad")
	}
	if !strings.Contains(err.Error(), contains) {
		t.Fatalf("error %q does not mention %q", err.Error(), contains)
	}
}

func TestLoadMissingModelFile(t *testing.T) {
	dir := t.TempDir()
	writeMetadata(t, dir)
	server, err := Load(dir, LoadOptions{Device: DeviceCPU})
	if server != nil {
		t.Fatalf("expected no server")
	}
	expectLoadError(t, err, "failed to stat model file")
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected wrapped os.ErrNotExist, got %v", err)
	}
}

func TestLoadEmptyModelFile(t *testing.T) {
	dir := t.TempDir()
	writeMetadata(t, dir)
	writeFile(t, filepath.Join(dir, ModelFileName), "")

	_, err := Load(dir, LoadOptions{Device: DeviceCPU})
	expectLoadError(t, err, "is empty")
}

func TestLoadModelPathIsDirectory(t *testing.T) {
	dir := t.TempDir()
	writeMetadata(t, dir)
	if err := os.Mkdir(filepath.Join(dir, ModelFileName), 0o755); err != nil {
		t.Fatalf("failed to create dir: %v", err)
	}

	_, err := Load(dir, LoadOptions{Device: DeviceCPU})
	expectLoadError(t, err, "is a directory")
}

func TestLoadRejectsWrongClassCount(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, ModelFileName), "onnx")
	writeFile(t, filepath.Join(dir, MetadataFileName), `{"classes": ["background", "acne"]}`)

	_, err := Load(dir, LoadOptions{Device: DeviceCPU})
	expectLoadError(t, err, "metadata lists 2 classes, want 11")
}

func TestLoadRejectsMalformedMetadata(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, ModelFileName), "onnx")
	writeFile(t, filepath.Join(dir, MetadataFileName), `{"classes": [`)

	_, err := Load(dir, LoadOptions{Device: DeviceCPU})
	expectLoadError(t, err, "failed to parse metadata")
}

func TestLoadRequiresMetadata(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, ModelFileName), "onnx")

	_, err := Load(dir, LoadOptions{Device: DeviceCPU})
	expectLoadError(t, err, "failed to read metadata")
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected wrapped os.ErrNotExist, got %v", err)
	}
}

func TestReadMetadataRequiresClasses(t *testing.T) {
	path := filepath.Join(t.TempDir(), MetadataFileName)
	writeFile(t, path, `{"input_name": "images"}`)

	_, err := readMetadata(path)
	if err == nil || !strings.Contains(err.Error(), "metadata lists 0 classes, want 11") {
		t.Fatalf("expected class count error, got %v", err)
	}
}

func TestReadMetadataDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), MetadataFileName)
	writeFile(t, path, `{"classes": `+elevenClasses+`}`)

	metadata, err := readMetadata(path)
	if err != nil {
		t.Fatalf("readMetadata() error = %v", err)
	}
	want := Metadata{
		Classes:      []string{"ca", "cb", "cc", "cd", "ce", "cf", "cg", "ch", "ci", "cj", "ck"},
		InputName:    "images",
		BoxesOutput:  "boxes",
		ScoresOutput: "scores",
		LabelsOutput: "labels",
	}
	if diff := cmp.Diff(want, metadata); diff != "" {
		t.Fatalf("unexpected metadata (-want +got):\n%s", diff)
	}
}

func TestReadMetadataOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), MetadataFileName)
	classes := make([]string, NumClasses)
	for i := range classes {
		classes[i] = "c" + string(rune('a'+i))
	}
	writeFile(t, path, `{
		"classes": `+elevenClasses+`,
		"input_name": "image",
		"labels_output": "label_ids"
	}`)

	metadata, err := readMetadata(path)
	if err != nil {
		t.Fatalf("readMetadata() error = %v", err)
	}
	want := Metadata{
		Classes:      classes,
		InputName:    "image",
		BoxesOutput:  "boxes",
		ScoresOutput: "scores",
		LabelsOutput: "label_ids",
	}
	if diff := cmp.Diff(want, metadata); diff != "" {
		t.Fatalf("unexpected metadata (-want +got):\n%s", diff)
	}
}

func detectorGraph() ([]ort.InputOutputInfo, []ort.InputOutputInfo) {
	inputs := []ort.InputOutputInfo{
		{Name: "images", DataType: ort.TensorElementDataTypeFloat, Dimensions: ort.NewShape(3, -1, -1)},
	}
	outputs := []ort.InputOutputInfo{
		{Name: "boxes", DataType: ort.TensorElementDataTypeFloat, Dimensions: ort.NewShape(-1, 4)},
		{Name: "scores", DataType: ort.TensorElementDataTypeFloat, Dimensions: ort.NewShape(-1)},
		{Name: "labels", DataType: ort.TensorElementDataTypeInt64, Dimensions: ort.NewShape(-1)},
	}
	return inputs, outputs
}

func defaultMetadata() Metadata {
	var m Metadata
	m.applyDefaults()
	return m
}

func TestCheckGraphAcceptsDetector(t *testing.T) {
	inputs, outputs := detectorGraph()
	rank, err := checkGraph(defaultMetadata(), inputs, outputs)
	if err != nil {
		t.Fatalf("checkGraph() error = %v", err)
	}
	if rank != 3 {
		t.Fatalf("rank = %d, want 3", rank)
	}

	inputs[0].Dimensions = ort.NewShape(1, 3, -1, -1)
	outputs[2].DataType = ort.TensorElementDataTypeInt32
	rank, err = checkGraph(defaultMetadata(), inputs, outputs)
	if err != nil {
		t.Fatalf("checkGraph() batched error = %v", err)
	}
	if rank != 4 {
		t.Fatalf("rank = %d, want 4", rank)
	}
}

func TestCheckGraphRejectsIncompatibleModels(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(inputs, outputs []ort.InputOutputInfo)
		want   string
	}{
		{
			name:   "renamed input",
			mutate: func(inputs, _ []ort.InputOutputInfo) { inputs[0].Name = "pixel_values" },
			want:   `no input named "images"`,
		},
		{
			name:   "uint8 input",
			mutate: func(inputs, _ []ort.InputOutputInfo) { inputs[0].DataType = ort.TensorElementDataTypeUint8 },
			want:   "want float32",
		},
		{
			name:   "rank 2 input",
			mutate: func(inputs, _ []ort.InputOutputInfo) { inputs[0].Dimensions = ort.NewShape(224, 224) },
			want:   "rank 2",
		},
		{
			name:   "single channel",
			mutate: func(inputs, _ []ort.InputOutputInfo) { inputs[0].Dimensions = ort.NewShape(1, -1, -1) },
			want:   "expects 1 channels",
		},
		{
			name:   "missing scores",
			mutate: func(_, outputs []ort.InputOutputInfo) { outputs[1].Name = "logits" },
			want:   `no output named "scores"`,
		},
		{
			name:   "float labels",
			mutate: func(_, outputs []ort.InputOutputInfo) { outputs[2].DataType = ort.TensorElementDataTypeFloat },
			want:   "want int64 or int32",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inputs, outputs := detectorGraph()
			tt.mutate(inputs, outputs)
			_, err := checkGraph(defaultMetadata(), inputs, outputs)
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error %q does not mention %q", err.Error(), tt.want)
			}
		})
	}
}

func TestAssembleKeepsModelOrder(t *testing.T) {
	boxes := []float32{1, 2, 3, 4, 5, 6, 7, 8}
	scores := []float32{0.2, 0.9}
	labels := []int64{4, 1}

	got, err := assemble(boxes, scores, labels)
	if err != nil {
		t.Fatalf("assemble() error = %v", err)
	}
	want := DetectionSet{
		{Box: [4]float32{1, 2, 3, 4}, Score: 0.2, Label: 4},
		{Box: [4]float32{5, 6, 7, 8}, Score: 0.9, Label: 1},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected detections (-want +got):\n%s", diff)
	}
}

func TestAssembleShapeMismatch(t *testing.T) {
	_, err := assemble([]float32{1, 2, 3}, []float32{0.5}, []int64{1})
	if err == nil || !strings.Contains(err.Error(), "shape mismatch") {
		t.Fatalf("expected shape mismatch, got %v", err)
	}
}

func TestPredictRejectsInconsistentInput(t *testing.T) {
	s := &Server{inputRank: 3}
	_, err := s.Predict(&Input{Data: make([]float32, 5), Channels: 3, Height: 2, Width: 2})
	var inferErr *InferenceError
	if !errors.As(err, &inferErr) {
		t.Fatalf("expected InferenceError, got %v", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	s := &Server{}
	s.Close()
	s.Close()

	envMu.Lock()
	defer envMu.Unlock()
	if envRefs != 0 {
		t.Fatalf("envRefs = %d, want 0", envRefs)
	}
}

func TestSessionOptionsRejectsUnknownDevice(t *testing.T) {
	_, _, err := sessionOptions("tpu", nil)
	if err == nil || !strings.Contains(err.Error(), `unsupported device "tpu"`) {
		t.Fatalf("expected unsupported device error, got %v", err)
	}
}
