package state

import (
	"fmt"
	"io"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/glebarez/sqlite"
	mysqldrv "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"ecssync/pkg/log"
	"ecssync/pkg/models"
)

const minNetworkConns = 16

var newRedisLocker = NewRedisLocker

// OpenParams carries the process-wide settings needed to open a job's store.
type OpenParams struct {
	// Passphrase unlocks DbEncPassword.
	Passphrase string
	// DataDir anchors relative DbFile paths.
	DataDir string
	Logger  *log.Logger
}

// Open picks the store for a job: a networked database when a connect string
// is given, an embedded file when a db file is given, otherwise no store.
func Open(opts models.SyncOptions, p OpenParams) (Store, error) {
	if p.Logger == nil {
		p.Logger = log.NewNop()
	}
	if opts.DbConnectString == "" && opts.DbFile == "" {
		return NewNoopStore(), nil
	}

	var locker Locker = NewLockTable()
	if opts.LockRedisURL != "" {
		rl, err := newRedisLocker(opts.LockRedisURL, "ecssync:lock:"+opts.DbTable+":")
		if err != nil {
			return nil, err
		}
		locker = rl
	}

	store, err := openSQLStore(opts, p, locker)
	if err != nil {
		if closer, ok := locker.(io.Closer); ok {
			closer.Close()
		}
		return nil, err
	}
	return store, nil
}

func openSQLStore(opts models.SyncOptions, p OpenParams, locker Locker) (*SQLStore, error) {

	cfg := SQLStoreConfig{
		Table:        opts.DbTable,
		MaxErrorSize: opts.MaxErrorSize,
		Locker:       locker,
		Logger:       p.Logger.Named("status-store"),
	}

	if opts.DbConnectString != "" {
		password, err := DecryptPassword(opts.DbEncPassword, p.Passphrase)
		if err != nil {
			return nil, err
		}
		dialect, err := NetworkDialect(opts.DbConnectString, password)
		if err != nil {
			return nil, err
		}
		cfg.Dialect = dialect
		cfg.MaxOpenConns = max(minNetworkConns, 2*opts.ThreadCount)
		return NewSQLStore(cfg)
	}

	file := opts.DbFile
	if !filepath.IsAbs(file) && p.DataDir != "" {
		file = filepath.Join(p.DataDir, file)
	}
	cfg.File = file
	cfg.Dialect = EmbeddedDialect(file)
	cfg.MaxOpenConns = 4
	return NewSQLStore(cfg)
}

// EmbeddedDialect returns a pure-Go sqlite dialect for a single database file.
func EmbeddedDialect(file string) func() gorm.Dialector {
	dsn := file + "?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)"
	return func() gorm.Dialector {
		return sqlite.Open(dsn)
	}
}

// NetworkDialect returns a postgres dialect for postgres:// URLs and a mysql
// dialect for anything else. A non-empty password replaces the one in dsn.
func NetworkDialect(dsn, password string) (func() gorm.Dialector, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return nil, fmt.Errorf("invalid connect string: %w", err)
		}
		if password != "" {
			user := ""
			if u.User != nil {
				user = u.User.Username()
			}
			u.User = url.UserPassword(user, password)
		}
		pgDSN := u.String()
		return func() gorm.Dialector { return postgres.Open(pgDSN) }, nil
	}

	mc, err := mysqldrv.ParseDSN(strings.TrimPrefix(dsn, "mysql://"))
	if err != nil {
		return nil, fmt.Errorf("invalid connect string: %w", err)
	}
	if password != "" {
		mc.Passwd = password
	}
	mc.ParseTime = true
	myDSN := mc.FormatDSN()
	return func() gorm.Dialector { return mysql.Open(myDSN) }, nil
}
