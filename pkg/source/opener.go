package source

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"github.com/nicktill/zbxbridge/pkg/config"
)

// SQLOpener opens one database handle per poll cycle. Handles are never
// pooled across cycles.
type SQLOpener struct {
	cfg          config.DatabaseConfig
	dialect      Dialect
	dsn          string
	queryTimeout time.Duration
	logger       *zap.Logger
}

// NewOpener validates cfg and prepares the DSN.
func NewOpener(cfg config.DatabaseConfig, queryTimeout time.Duration, logger *zap.Logger) (*SQLOpener, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dialect, err := ParseDialect(cfg.Driver)
	if err != nil {
		return nil, err
	}
	return &SQLOpener{
		cfg:          cfg,
		dialect:      dialect,
		dsn:          DSN(cfg),
		queryTimeout: queryTimeout,
		logger:       logger,
	}, nil
}

// Open connects and pings the database.
func (o *SQLOpener) Open(ctx context.Context) (Querier, error) {
	db, err := sql.Open(o.dialect.String(), o.dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnect, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pctx, cancel := context.WithTimeout(ctx, config.DefaultDBPingWait)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %s@%s: %w", ErrConnect, o.cfg.Name, o.address(), err)
	}

	return NewSession(db, o.dialect, o.queryTimeout, o.logger), nil
}

func (o *SQLOpener) address() string {
	return net.JoinHostPort(o.cfg.Host, strconv.Itoa(o.cfg.Port))
}

// DSN builds the driver connection string for cfg.
func DSN(cfg config.DatabaseConfig) string {
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))

	if cfg.Driver == config.DriverPostgres {
		u := url.URL{
			Scheme: "postgres",
			Host:   addr,
			Path:   "/" + cfg.Name,
		}
		if cfg.Password != "" {
			u.User = url.UserPassword(cfg.User, cfg.Password)
		} else if cfg.User != "" {
			u.User = url.User(cfg.User)
		}
		if len(cfg.Params) > 0 {
			q := url.Values{}
			for k, v := range cfg.Params {
				q.Set(k, v)
			}
			u.RawQuery = q.Encode()
		}
		return u.String()
	}

	mc := mysql.NewConfig()
	mc.User = cfg.User
	mc.Passwd = cfg.Password
	mc.Net = "tcp"
	mc.Addr = addr
	mc.DBName = cfg.Name
	if len(cfg.Params) > 0 {
		mc.Params = make(map[string]string, len(cfg.Params))
		for k, v := range cfg.Params {
			mc.Params[k] = v
		}
	}
	return mc.FormatDSN()
}
