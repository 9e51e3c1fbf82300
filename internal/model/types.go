package model

// NumClasses is the detector's output class count: 10 skin conditions plus background.
const NumClasses = 11

// ConfidenceThreshold is the exclusive lower bound a detection score must
// exceed to be returned to clients.
const ConfidenceThreshold float32 = 0.3

const (
	ContentTypeJPEG = "image/jpeg"
	ContentTypeJSON = "application/json"
)

// Metadata describes the exported graph. Classes is required and must list
// NumClasses names with the background class at index 0.
type Metadata struct {
	Classes      []string `json:"classes"`
	InputName    string   `json:"input_name"`
	BoxesOutput  string   `json:"boxes_output"`
	ScoresOutput string   `json:"scores_output"`
	LabelsOutput string   `json:"labels_output"`
}

func (m *Metadata) applyDefaults() {
	if m.InputName == "" {
		m.InputName = "images"
	}
	if m.BoxesOutput == "" {
		m.BoxesOutput = "boxes"
	}
	if m.ScoresOutput == "" {
		m.ScoresOutput = "scores"
	}
	if m.LabelsOutput == "" {
		m.LabelsOutput = "labels"
	}
}

// Input is one decoded RGB image in channel-first layout with values in [0,1].
type Input struct {
	Data     []float32
	Channels int
	Height   int
	Width    int
}

// Detection is a single raw model output before filtering.
type Detection struct {
	Box   [4]float32
	Score float32
	Label int64
}

// DetectionSet keeps the order the model emitted.
type DetectionSet []Detection

type Prediction struct {
	Box        [4]float64 `json:"box"`
	LabelID    int        `json:"label_id"`
	Confidence float64    `json:"confidence"`
}

type PredictionResponse struct {
	Predictions []Prediction `json:"predictions"`
}
