package prefs

import "go.opentelemetry.io/contrib/bridges/otelslog"

const scopeName = "github.com/ent0n29/advisorvoice/internal/prefs"

var logger = otelslog.NewLogger(scopeName)
