//go:build !sqlite

package storage

import (
	"errors"

	logx "cronrunner/pkg/logx"
)

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	_, _ = cfg, log
	return nil, errors.New("sqlite storage not built: build with -tags sqlite")
}
