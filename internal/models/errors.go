package models

import "errors"

// ErrNotFound is returned when no image record exists for an id
var ErrNotFound = errors.New("image not found")

// ErrNotFailed is returned when a retry targets a record that is not in failed state
var ErrNotFailed = errors.New("image is not in failed state")

// ErrRetryLimit is returned when a record has used up its retries
var ErrRetryLimit = errors.New("retry limit reached")

// ErrInvalidTransition is returned when a status update does not match the current state
var ErrInvalidTransition = errors.New("invalid status transition")

// ErrPersistence marks disk or database write failures
var ErrPersistence = errors.New("persistence failure")

// ErrDispatch is returned when a pipeline run could not be launched
var ErrDispatch = errors.New("dispatch failure")

// ErrSubprocessTimeout is returned when background removal exceeds its timeout
var ErrSubprocessTimeout = errors.New("background removal timeout")

// ErrSubprocessFailure is returned when background removal exits badly or produces no output
var ErrSubprocessFailure = errors.New("background removal failed")

// ErrOptimization marks decode/encode failures in the optimize stage
var ErrOptimization = errors.New("optimization failed")

// ErrThumbnail marks decode/encode failures in the thumbnail stage
var ErrThumbnail = errors.New("thumbnail failed")

// ErrUnsupportedImage is returned when uploaded bytes are not a decodable raster image
var ErrUnsupportedImage = errors.New("unsupported image")

// ErrBusy is returned when an operation needs a record the pipeline currently owns
var ErrBusy = errors.New("image is being processed")
