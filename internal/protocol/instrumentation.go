package protocol

import (
	"go.opentelemetry.io/contrib/bridges/otelslog"
)

const scopeName = "github.com/savantlabs/savant/internal/protocol"

var logger = otelslog.NewLogger(scopeName)
