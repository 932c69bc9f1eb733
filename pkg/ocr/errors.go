package ocr

import "errors"

// ErrInit is returned when an OCR engine cannot be constructed.
var ErrInit = errors.New("ocr engine init failed")

// ErrExecution is returned when a single OCR call fails.
var ErrExecution = errors.New("ocr execution failed")
