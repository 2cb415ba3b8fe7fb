package memory

import "go.opentelemetry.io/contrib/bridges/otelslog"

const scopeName = "github.com/ent0n29/advisorvoice/internal/memory"

var logger = otelslog.NewLogger(scopeName)
