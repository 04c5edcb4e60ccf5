package model

import "errors"

var (
	errSelfLoop        = errors.New("model: graph relation cannot be a self-loop")
	errStrengthRange   = errors.New("model: relation strength must be within [0,1]")
	errConfidenceRange = errors.New("model: relation confidence must be within [0,1]")
)
