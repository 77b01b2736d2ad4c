package conversation

import (
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
)

const scopeName = "github.com/savantlabs/savant/internal/conversation"

var (
	logger = otelslog.NewLogger(scopeName)
	tracer = otel.Tracer(scopeName)
)
