package detections

const (
	InputWidth  = 640
	InputHeight = 640

	DefaultConfThreshold = 0.25
	DefaultIoUThreshold  = 0.45
	DefaultMaxDetections = 300

	RetryAttempts = 3
	RetryDelayMs  = 100

	inputName  = "images"
	outputName = "output0"
)
