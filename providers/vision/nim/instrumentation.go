package nim

import "go.opentelemetry.io/contrib/bridges/otelslog"

const scopeName = "github.com/savantlabs/savant/providers/vision/nim"

var logger = otelslog.NewLogger(scopeName)
