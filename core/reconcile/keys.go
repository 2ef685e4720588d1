package reconcile

import "strings"

// S3 layout used by the worker: inputs land under raw/, transcripts under
// outputs/, failed inputs are copied to error/, finished inputs to
// raw/done/.
const (
	rawPrefix    = "raw/"
	donePrefix   = "raw/done/"
	errorPrefix  = "error/"
	outputPrefix = "outputs/"
)

// baseName strips the audio extension the worker strips when naming its
// outputs.
func baseName(filename string) string {
	name := strings.TrimSuffix(filename, ".mp3")
	return strings.TrimSuffix(name, ".m4a")
}

// OutputKeys derives the two expected transcript artifact keys from the
// job's input filename.
func OutputKeys(filename string) (jsonKey, txtKey string) {
	base := outputPrefix + baseName(filename)
	return base + "_transcript.json", base + "_transcript.txt"
}

// ErrorKey is where the worker parks the input file on failure.
func ErrorKey(inputKey string) string {
	return errorPrefix + strings.TrimPrefix(inputKey, rawPrefix)
}

// DoneKey is where the worker moves the input file after success.
func DoneKey(inputKey string) string {
	return donePrefix + strings.TrimPrefix(inputKey, rawPrefix)
}
