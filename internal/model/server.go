package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

const (
	ModelFileName    = "model.onnx"
	MetadataFileName = "model_metadata.json"
)

const (
	DeviceAuto = "auto"
	DeviceCUDA = "cuda"
	DeviceCPU  = "cpu"
)

type LoadOptions struct {
	// SharedLibraryPath points at libonnxruntime; empty uses the loader's default.
	SharedLibraryPath string
	// Device is one of DeviceAuto, DeviceCUDA or DeviceCPU.
	Device string
	// Logf receives load progress. Nil discards it.
	Logf func(format string, args ...any)
}

// Server owns the loaded detector. It is created once per process and is
// read-only afterwards, so Predict may be called from many goroutines.
type Server struct {
	session   *ort.DynamicAdvancedSession
	Metadata  Metadata
	device    string
	inputRank int
	closeOnce sync.Once
}

// The ONNX Runtime environment is process-wide. Every loaded Server holds a
// reference and the last Close tears the environment down.
var (
	envMu   sync.Mutex
	envRefs int
)

// Load reads the model from dir, picks the compute device and prepares a
// session. Any failure is returned as *LoadError.
func Load(dir string, opts LoadOptions) (*Server, error) {
	logf := opts.Logf
	if logf == nil {
		logf = func(string, ...any) {}
	}
	fail := func(err error) (*Server, error) {
		return nil, &LoadError{Path: dir, Err: err}
	}

	metadata, err := readMetadata(filepath.Join(dir, MetadataFileName))
	if err != nil {
		return fail(err)
	}

	modelPath := filepath.Join(dir, ModelFileName)
	info, err := os.Stat(modelPath)
	if err != nil {
		return fail(fmt.Errorf("failed to stat model file: %w", err))
	}
	if info.IsDir() {
		return fail(fmt.Errorf("model path %q is a directory", modelPath))
	}
	if info.Size() == 0 {
		return fail(fmt.Errorf("model file %q is empty", modelPath))
	}

	if err := acquireEnvironment(opts.SharedLibraryPath); err != nil {
		return fail(err)
	}
	loaded := false
	defer func() {
		if !loaded {
			releaseEnvironment()
		}
	}()

	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return fail(fmt.Errorf("failed to read model graph: %w", err))
	}
	inputRank, err := checkGraph(metadata, inputs, outputs)
	if err != nil {
		return fail(err)
	}

	options, device, err := sessionOptions(opts.Device, logf)
	if err != nil {
		return fail(err)
	}
	defer options.Destroy()

	session, err := ort.NewDynamicAdvancedSession(modelPath,
		[]string{metadata.InputName},
		[]string{metadata.BoxesOutput, metadata.ScoresOutput, metadata.LabelsOutput},
		options)
	if err != nil {
		return fail(fmt.Errorf("failed to create ONNX session: %w", err))
	}

	loaded = true
	logf("model loaded from %s on %s (input %s rank %d)", modelPath, device, metadata.InputName, inputRank)

	return &Server{
		session:   session,
		Metadata:  metadata,
		device:    device,
		inputRank: inputRank,
	}, nil
}

func readMetadata(path string) (Metadata, error) {
	var metadata Metadata
	raw, err := os.ReadFile(path)
	if err != nil {
		return metadata, fmt.Errorf("failed to read metadata: %w", err)
	}
	if err := json.Unmarshal(raw, &metadata); err != nil {
		return metadata, fmt.Errorf("failed to parse metadata: %w", err)
	}

	// The graph's outputs carry no class dimension, so the class count is
	// checked against the exported class list.
	if len(metadata.Classes) != NumClasses {
		return metadata, fmt.Errorf("metadata lists %d classes, want %d", len(metadata.Classes), NumClasses)
	}
	metadata.applyDefaults()
	return metadata, nil
}

func acquireEnvironment(libPath string) error {
	envMu.Lock()
	defer envMu.Unlock()
	if !ort.IsInitialized() {
		if libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return fmt.Errorf("failed to initialize ONNX environment: %w", err)
		}
	}
	envRefs++
	return nil
}

func releaseEnvironment() {
	envMu.Lock()
	defer envMu.Unlock()
	if envRefs == 0 {
		return
	}
	envRefs--
	if envRefs == 0 && ort.IsInitialized() {
		ort.DestroyEnvironment()
	}
}

// checkGraph verifies the exported graph matches what Predict feeds and reads.
func checkGraph(metadata Metadata, inputs, outputs []ort.InputOutputInfo) (int, error) {
	in, ok := findInfo(inputs, metadata.InputName)
	if !ok {
		return 0, fmt.Errorf("model has no input named %q", metadata.InputName)
	}
	if in.DataType != ort.TensorElementDataTypeFloat {
		return 0, fmt.Errorf("input %q has element type %v, want float32", in.Name, in.DataType)
	}
	rank := len(in.Dimensions)
	if rank != 3 && rank != 4 {
		return 0, fmt.Errorf("input %q has rank %d, want 3 or 4", in.Name, rank)
	}
	channelDim := in.Dimensions[rank-3]
	if channelDim > 0 && channelDim != 3 {
		return 0, fmt.Errorf("input %q expects %d channels, want 3", in.Name, channelDim)
	}

	for _, name := range []string{metadata.BoxesOutput, metadata.ScoresOutput} {
		out, ok := findInfo(outputs, name)
		if !ok {
			return 0, fmt.Errorf("model has no output named %q", name)
		}
		if out.DataType != ort.TensorElementDataTypeFloat {
			return 0, fmt.Errorf("output %q has element type %v, want float32", name, out.DataType)
		}
	}

	labels, ok := findInfo(outputs, metadata.LabelsOutput)
	if !ok {
		return 0, fmt.Errorf("model has no output named %q", metadata.LabelsOutput)
	}
	switch labels.DataType {
	case ort.TensorElementDataTypeInt64, ort.TensorElementDataTypeInt32:
	default:
		return 0, fmt.Errorf("output %q has element type %v, want int64 or int32", labels.Name, labels.DataType)
	}

	return rank, nil
}

func findInfo(infos []ort.InputOutputInfo, name string) (ort.InputOutputInfo, bool) {
	for _, info := range infos {
		if info.Name == name {
			return info, true
		}
	}
	return ort.InputOutputInfo{}, false
}

// sessionOptions selects the execution provider once, at load time.
func sessionOptions(device string, logf func(string, ...any)) (*ort.SessionOptions, string, error) {
	device = strings.ToLower(strings.TrimSpace(device))
	if device == "" {
		device = DeviceAuto
	}
	switch device {
	case DeviceAuto, DeviceCUDA, DeviceCPU:
	default:
		return nil, "", fmt.Errorf("unsupported device %q", device)
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, "", fmt.Errorf("failed to create session options: %w", err)
	}
	if device == DeviceCPU {
		return options, DeviceCPU, nil
	}

	cudaErr := appendCUDA(options)
	if cudaErr == nil {
		return options, DeviceCUDA, nil
	}
	if device == DeviceCUDA {
		options.Destroy()
		return nil, "", fmt.Errorf("cuda requested but unavailable: %w", cudaErr)
	}
	logf("cuda unavailable, falling back to cpu: %v", cudaErr)
	return options, DeviceCPU, nil
}

func appendCUDA(options *ort.SessionOptions) error {
	cudaOptions, err := ort.NewCUDAProviderOptions()
	if err != nil {
		return err
	}
	defer cudaOptions.Destroy()
	return options.AppendExecutionProviderCUDA(cudaOptions)
}

func (s *Server) Device() string {
	return s.device
}

// Predict runs one forward pass and returns detections in the order the
// model emitted them.
func (s *Server) Predict(in *Input) (DetectionSet, error) {
	if in == nil || in.Channels != 3 || len(in.Data) != in.Channels*in.Height*in.Width {
		return nil, &InferenceError{Err: errors.New("input tensor does not match its declared shape")}
	}

	shape := ort.NewShape(int64(in.Channels), int64(in.Height), int64(in.Width))
	if s.inputRank == 4 {
		shape = ort.NewShape(1, int64(in.Channels), int64(in.Height), int64(in.Width))
	}
	inputTensor, err := ort.NewTensor(shape, in.Data)
	if err != nil {
		return nil, &InferenceError{Err: fmt.Errorf("failed to create input tensor: %w", err)}
	}
	defer inputTensor.Destroy()

	outputs := []ort.ArbitraryTensor{nil, nil, nil}
	if err := s.session.Run([]ort.ArbitraryTensor{inputTensor}, outputs); err != nil {
		return nil, &InferenceError{Err: err}
	}
	defer func() {
		for _, out := range outputs {
			if out != nil {
				out.Destroy()
			}
		}
	}()

	boxesTensor, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, &InferenceError{Err: fmt.Errorf("boxes output has type %T", outputs[0])}
	}
	scoresTensor, ok := outputs[1].(*ort.Tensor[float32])
	if !ok {
		return nil, &InferenceError{Err: fmt.Errorf("scores output has type %T", outputs[1])}
	}
	labels, err := labelData(outputs[2])
	if err != nil {
		return nil, &InferenceError{Err: err}
	}

	detections, err := assemble(boxesTensor.GetData(), scoresTensor.GetData(), labels)
	if err != nil {
		return nil, &InferenceError{Err: err}
	}
	return detections, nil
}

func labelData(value ort.ArbitraryTensor) ([]int64, error) {
	switch t := value.(type) {
	case *ort.Tensor[int64]:
		return append([]int64(nil), t.GetData()...), nil
	case *ort.Tensor[int32]:
		data := t.GetData()
		labels := make([]int64, len(data))
		for i, v := range data {
			labels[i] = int64(v)
		}
		return labels, nil
	default:
		return nil, fmt.Errorf("labels output has type %T", value)
	}
}

// assemble zips the flat output buffers into detections. The buffers are
// owned by ONNX Runtime, so values are copied out.
func assemble(boxes, scores []float32, labels []int64) (DetectionSet, error) {
	n := len(scores)
	if len(labels) != n || len(boxes) != 4*n {
		return nil, fmt.Errorf("output shape mismatch: %d boxes values, %d scores, %d labels", len(boxes), n, len(labels))
	}
	detections := make(DetectionSet, n)
	for i := range detections {
		copy(detections[i].Box[:], boxes[4*i:4*i+4])
		detections[i].Score = scores[i]
		detections[i].Label = labels[i]
	}
	return detections, nil
}

// Close releases the session. The runtime environment is destroyed once no
// other Server uses it. Close is safe to call more than once.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		if s.session != nil {
			s.session.Destroy()
			releaseEnvironment()
		}
	})
}
