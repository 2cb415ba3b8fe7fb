package httpapi

import "go.opentelemetry.io/contrib/bridges/otelslog"

const scopeName = "github.com/ent0n29/advisorvoice/internal/httpapi"

var logger = otelslog.NewLogger(scopeName)
