package utils

import (
	"log"
	"strings"

	"github.com/dgraph-io/badger/v4"
)

// badgerLogger 把 badger 的日志转到标准 log，只保留警告和错误
type badgerLogger struct{}

func (badgerLogger) Errorf(format string, args ...interface{}) {
	log.Printf("[ERROR] badger: "+strings.TrimRight(format, "\n"), args...)
}

func (badgerLogger) Warningf(format string, args ...interface{}) {
	log.Printf("[WARN] badger: "+strings.TrimRight(format, "\n"), args...)
}

func (badgerLogger) Infof(format string, args ...interface{})  {}
func (badgerLogger) Debugf(format string, args ...interface{}) {}

// OpenBadger 打开本地快照库；dir 为空时使用内存模式
func OpenBadger(dir string) (*badger.DB, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	opts = opts.WithLogger(badgerLogger{})
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	log.Printf("Badger snapshot store opened (dir=%q)", dir)
	return db, nil
}
