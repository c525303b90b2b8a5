package models

import "time"

// Label is a class the detector reports.
type Label string

const (
	LabelCup     Label = "cup"
	LabelLaptop  Label = "laptop"
	LabelUnknown Label = "unknown"
)

// Scores are the model's confidences, in output order.
type Scores struct {
	Cup     float64 `json:"cup"`
	Laptop  float64 `json:"laptop"`
	Unknown float64 `json:"unknown"`
}

// Percentages are Scores rounded to whole percent.
type Percentages struct {
	Cup     int `json:"cup"`
	Laptop  int `json:"laptop"`
	Unknown int `json:"unknown"`
}

// Result is the outcome of one detection.
type Result struct {
	Cycle       uint64      `json:"cycle"`
	Time        time.Time   `json:"time"`
	Scores      Scores      `json:"scores"`
	Percentages Percentages `json:"percentages"`
	Label       Label       `json:"label"`
	Status      string      `json:"status"`
	// Stale is set when capture or inference failed in the cycle that
	// produced the result.
	Stale bool `json:"stale"`
}

type CycleTimings struct {
	Cycle     uint64
	Capture   time.Duration
	Inference time.Duration
	Respond   time.Duration
	Total     time.Duration
}

// ProcessingTimings covers one-shot classification of a submitted image.
type ProcessingTimings struct {
	RequestID   string
	ImageDecode time.Duration
	Preprocess  time.Duration
	Inference   time.Duration
	Postprocess time.Duration
	Total       time.Duration
}
