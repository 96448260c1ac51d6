package moonnet

import "go.uber.org/zap"

// nopLogger is the default when no *zap.Logger is supplied via options: the
// teacher itself logs nothing, so silence is the correct zero value, but
// every constructor still accepts a real logger the way the rest of the
// pack's services do.
func nopLogger() *zap.Logger { return zap.NewNop() }
