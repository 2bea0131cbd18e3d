// Package zombiezen keeps the issuance and deployment history in SQLite
// using zombiezen.com/go/sqlite.
package zombiezen

import (
	"context"
	"encoding/json"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	autocert "github.com/caasmo/aliyun-autocert"
)

const schema = `
CREATE TABLE IF NOT EXISTS certificates (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	identifier TEXT NOT NULL,
	domains TEXT NOT NULL,
	certificate_chain TEXT NOT NULL,
	issued_at TEXT NOT NULL,
	expires_at TEXT NOT NULL,
	created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now'))
);

CREATE TABLE IF NOT EXISTS deployments (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	load_balancer_id TEXT NOT NULL,
	listener_id TEXT NOT NULL,
	primary_certificate_id TEXT NOT NULL,
	all_certificate_ids TEXT NOT NULL,
	domains TEXT NOT NULL,
	deployed_at TEXT NOT NULL
);
`

// Db implements autocert.HistoryWriter and autocert.HistoryReader.
type Db struct {
	pool *sqlitex.Pool
}

// New wraps an externally managed pool and makes sure the tables exist.
func New(pool *sqlitex.Pool) (*Db, error) {
	if pool == nil {
		panic("zombiezen.New: received nil pool")
	}
	conn, err := pool.Take(context.Background())
	if err != nil {
		return nil, fmt.Errorf("db: failed to get connection: %w", err)
	}
	defer pool.Put(conn)

	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return nil, fmt.Errorf("db: failed to create schema: %w", err)
	}
	return &Db{pool: pool}, nil
}

// Open creates a pool on the database file at path, creating it if needed.
// The caller closes the returned Db.
func Open(path string) (*Db, error) {
	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		Flags:    sqlite.OpenReadWrite | sqlite.OpenCreate | sqlite.OpenWAL,
		PoolSize: 2,
	})
	if err != nil {
		return nil, fmt.Errorf("db: failed to open %s: %w", path, err)
	}
	db, err := New(pool)
	if err != nil {
		_ = pool.Close()
		return nil, err
	}
	return db, nil
}

// Close closes the underlying pool.
func (d *Db) Close() error {
	return d.pool.Close()
}

// AddCert adds a newly issued certificate to the 'certificates' table.
func (d *Db) AddCert(ctx context.Context, cert autocert.Cert) error {
	domains, err := json.Marshal(cert.Domains)
	if err != nil {
		return fmt.Errorf("db: failed to encode domains: %w", err)
	}

	conn, err := d.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("db: failed to get connection: %w", err)
	}
	defer d.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO certificates (
			identifier, domains, certificate_chain, issued_at, expires_at
		) VALUES (?, ?, ?, ?, ?);`,
		&sqlitex.ExecOptions{
			Args: []any{
				cert.Identifier,
				string(domains),
				cert.CertificateChain,
				autocert.TimeFormat(cert.IssuedAt),
				autocert.TimeFormat(cert.ExpiresAt),
			},
		})
	if err != nil {
		return fmt.Errorf("db: failed to insert certificate for identifier %q: %w", cert.Identifier, err)
	}
	return nil
}

// AddDeployment adds a listener deployment to the 'deployments' table.
func (d *Db) AddDeployment(ctx context.Context, rec autocert.DeploymentRecord) error {
	ids, err := json.Marshal(rec.AllCertificateIDs)
	if err != nil {
		return fmt.Errorf("db: failed to encode certificate ids: %w", err)
	}
	domains, err := json.Marshal(rec.Domains)
	if err != nil {
		return fmt.Errorf("db: failed to encode domains: %w", err)
	}

	conn, err := d.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("db: failed to get connection: %w", err)
	}
	defer d.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO deployments (
			load_balancer_id, listener_id, primary_certificate_id, all_certificate_ids, domains, deployed_at
		) VALUES (?, ?, ?, ?, ?, ?);`,
		&sqlitex.ExecOptions{
			Args: []any{
				rec.LoadBalancerID,
				rec.ListenerID,
				rec.PrimaryCertificateID,
				string(ids),
				string(domains),
				autocert.TimeFormat(rec.DeployedAt),
			},
		})
	if err != nil {
		return fmt.Errorf("db: failed to insert deployment for listener %q: %w", rec.ListenerID, err)
	}
	return nil
}

// LatestCert returns the most recently added certificate, or nil when the
// table is empty.
func (d *Db) LatestCert(ctx context.Context) (*autocert.Cert, error) {
	conn, err := d.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("db: failed to get connection: %w", err)
	}
	defer d.pool.Put(conn)

	var cert *autocert.Cert
	err = sqlitex.Execute(conn,
		`SELECT id, identifier, domains, certificate_chain, issued_at, expires_at
		FROM certificates ORDER BY id DESC LIMIT 1;`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				c := autocert.Cert{
					ID:               stmt.ColumnInt64(0),
					Identifier:       stmt.ColumnText(1),
					CertificateChain: stmt.ColumnText(3),
				}
				if err := json.Unmarshal([]byte(stmt.ColumnText(2)), &c.Domains); err != nil {
					return fmt.Errorf("decode domains: %w", err)
				}
				var err error
				if c.IssuedAt, err = autocert.TimeParse(stmt.ColumnText(4)); err != nil {
					return fmt.Errorf("parse issued_at: %w", err)
				}
				if c.ExpiresAt, err = autocert.TimeParse(stmt.ColumnText(5)); err != nil {
					return fmt.Errorf("parse expires_at: %w", err)
				}
				cert = &c
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("db: failed to read latest certificate: %w", err)
	}
	return cert, nil
}

// LatestDeployment returns the most recent deployment, or nil when there
// is none.
func (d *Db) LatestDeployment(ctx context.Context) (*autocert.DeploymentRecord, error) {
	conn, err := d.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("db: failed to get connection: %w", err)
	}
	defer d.pool.Put(conn)

	var rec *autocert.DeploymentRecord
	err = sqlitex.Execute(conn,
		`SELECT load_balancer_id, listener_id, primary_certificate_id, all_certificate_ids, domains, deployed_at
		FROM deployments ORDER BY id DESC LIMIT 1;`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				r := autocert.DeploymentRecord{
					LoadBalancerID:       stmt.ColumnText(0),
					ListenerID:           stmt.ColumnText(1),
					PrimaryCertificateID: stmt.ColumnText(2),
				}
				if err := json.Unmarshal([]byte(stmt.ColumnText(3)), &r.AllCertificateIDs); err != nil {
					return fmt.Errorf("decode certificate ids: %w", err)
				}
				if err := json.Unmarshal([]byte(stmt.ColumnText(4)), &r.Domains); err != nil {
					return fmt.Errorf("decode domains: %w", err)
				}
				var err error
				if r.DeployedAt, err = autocert.TimeParse(stmt.ColumnText(5)); err != nil {
					return fmt.Errorf("parse deployed_at: %w", err)
				}
				rec = &r
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("db: failed to read latest deployment: %w", err)
	}
	return rec, nil
}

var (
	_ autocert.HistoryWriter = (*Db)(nil)
	_ autocert.HistoryReader = (*Db)(nil)
)
