// Package all registers every built-in executor family. Blank-import it from
// the wiring site:
//
//	import _ "github.com/verkstad/verkstad/internal/executors/all"
package all

import (
	"github.com/verkstad/verkstad/internal/executors"
	"github.com/verkstad/verkstad/internal/executors/amp"
	"github.com/verkstad/verkstad/internal/executors/claude"
	"github.com/verkstad/verkstad/internal/executors/codex"
	"github.com/verkstad/verkstad/internal/executors/droid"
	"github.com/verkstad/verkstad/internal/executors/gemini"
)

func init() {
	executors.Register(claude.New())
	executors.Register(codex.New())
	executors.Register(amp.New())
	executors.Register(droid.New())
	executors.Register(gemini.New())
}
