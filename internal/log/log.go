// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package log wraps github.com/go-kratos/kratos/v2/log behind the small
// surface the loader needs, grounded on use of
// log.Helper/log.NewStdLogger/log.NewFilter in file.go.
package log

import (
	"os"

	"github.com/go-kratos/kratos/v2/log"
)

// New builds the Helper the loader threads through every pipeline phase. A
// nil logger falls back to a filtered stdout logger that only surfaces
// errors, the same default file.go applied when Options.Logger was unset.
func New(logger log.Logger) *log.Helper {
	if logger == nil {
		logger = log.NewFilter(log.NewStdLogger(os.Stdout), log.FilterLevel(log.LevelError))
	}
	return log.NewHelper(logger)
}
