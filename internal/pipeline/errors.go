package pipeline

import "fmt"

// Stage names, in execution order.
const (
	StageLock      = "lock"
	StageFetch     = "fetch"
	StageExtract   = "extract"
	StageNative    = "native-build"
	StageInstall   = "install-extension"
	StageResolve   = "resolve-deps"
	StagePatchTool = "patch-tool"
	StageRelocate  = "relocate"
	StageManifest  = "manifest"
)

// Stages lists every recorded stage in execution order.
var Stages = []string{
	StageFetch, StageExtract, StageNative, StageInstall,
	StageResolve, StagePatchTool, StageRelocate, StageManifest,
}

// StageError attributes a failure to the stage that produced it. The
// underlying error keeps its kind for errors.Is and errors.As.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}
