package main

import "github.com/Tutortoise/objdetect/models"

const (
	MsgCup = "A cup is in view."

	MsgLaptop = "A laptop is in view."

	MsgUnknown = "Neither a cup nor a laptop could be recognized. Try moving the object closer to the camera or improving the lighting."
)

func getDetectionMessage(label models.Label) string {
	switch label {
	case models.LabelCup:
		return MsgCup
	case models.LabelLaptop:
		return MsgLaptop
	default:
		return MsgUnknown
	}
}
