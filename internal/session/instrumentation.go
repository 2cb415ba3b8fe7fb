package session

import "go.opentelemetry.io/contrib/bridges/otelslog"

const scopeName = "github.com/ent0n29/advisorvoice/internal/session"

var logger = otelslog.NewLogger(scopeName)
