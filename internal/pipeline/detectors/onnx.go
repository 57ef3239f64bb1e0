package detectors

// ONNXConfig configures the in-process YOLO detector
type ONNXConfig struct {
	Name         string
	ModelPath    string
	LibraryPath  string // onnxruntime shared library, empty = platform default
	InputSize    int
	IOUThreshold float32
	MinScore     float32
	Classes      []string
}

func (c ONNXConfig) withDefaults() ONNXConfig {
	if c.Name == "" {
		c.Name = "yolov8-onnx"
	}
	if c.InputSize <= 0 {
		c.InputSize = 640
	}
	if c.IOUThreshold <= 0 {
		c.IOUThreshold = 0.45
	}
	if c.MinScore <= 0 {
		c.MinScore = 0.25
	}
	if len(c.Classes) == 0 {
		c.Classes = COCOClasses
	}
	return c
}
