package model

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Encode filters raw detections by ConfidenceThreshold and serializes the
// survivors, in their original order, as {"predictions": [...]}. accept must
// be exactly ContentTypeJSON. A kept detection with a non-finite box or score
// is reported as *InferenceError.
func Encode(set DetectionSet, accept string) ([]byte, error) {
	if accept != ContentTypeJSON {
		return nil, &UnsupportedMediaError{MediaType: accept}
	}

	resp := PredictionResponse{Predictions: make([]Prediction, 0, len(set))}
	for i, det := range set {
		if !(det.Score > ConfidenceThreshold) {
			continue
		}
		if !finite(det) {
			return nil, &InferenceError{Err: fmt.Errorf("detection %d has a non-finite box or score", i)}
		}
		var box [4]float64
		for i, v := range det.Box {
			box[i] = roundTo(float64(v), 2)
		}
		resp.Predictions = append(resp.Predictions, Prediction{
			Box:        box,
			LabelID:    int(det.Label),
			Confidence: roundTo(float64(det.Score), 4),
		})
	}

	out, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal predictions: %w", err)
	}
	return out, nil
}

func finite(det Detection) bool {
	if math.IsInf(float64(det.Score), 0) {
		return false
	}
	for _, v := range det.Box {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return false
		}
	}
	return true
}

// roundTo rounds to the nearest decimal with the given number of places,
// working from the exact binary value the way Python's round does, so
// 1.005 (stored as 1.00499...) becomes 1.0.
func roundTo(v float64, places int) float64 {
	rounded, err := strconv.ParseFloat(strconv.FormatFloat(v, 'f', places, 64), 64)
	if err != nil {
		return v
	}
	return rounded
}
