package eventrouter

import (
	"go.opentelemetry.io/contrib/bridges/otelslog"
)

const scopeName = "github.com/savantlabs/savant/internal/bridge/eventrouter"

var logger = otelslog.NewLogger(scopeName)
