package infra

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"

	"github.com/jackc/pgx/v5"
)

// LocalDB names the throwaway database created on a developer's PostgreSQL
// when Docker is unavailable.
type LocalDB struct {
	Host     string
	Port     string
	Name     string
	Role     string
	Password string
}

// DefaultLocalDB is the stress database on 127.0.0.1:5432.
func DefaultLocalDB() LocalDB {
	return LocalDB{
		Host:     "127.0.0.1",
		Port:     "5432",
		Name:     "podtrack_stress",
		Role:     "podtrack_stress",
		Password: "podtrack",
	}
}

// DSN is the connection string for the test role on the test database.
func (l LocalDB) DSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(l.Role, l.Password),
		Host:     l.Host + ":" + l.Port,
		Path:     "/" + l.Name,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}

// adminDSNs are the superuser logins tried in order against the maintenance db.
func (l LocalDB) adminDSNs() []string {
	users := []*url.Userinfo{
		url.User("postgres"),
		url.UserPassword("postgres", "postgres"),
	}
	if name := os.Getenv("USER"); name != "" && name != "postgres" {
		users = append(users, url.User(name), url.UserPassword(name, "postgres"))
	}
	out := make([]string, 0, len(users))
	for _, user := range users {
		u := url.URL{Scheme: "postgres", User: user, Host: l.Host + ":" + l.Port, Path: "/postgres", RawQuery: "sslmode=disable"}
		out = append(out, u.String())
	}
	return out
}

// InitLocalDatabase recreates db from scratch and returns its DSN. It fails
// when no superuser login on the local server is accepted.
func InitLocalDatabase(ctx context.Context, db LocalDB) (string, error) {
	var (
		admin *pgx.Conn
		errs  []error
	)
	for _, dsn := range db.adminDSNs() {
		conn, err := pgx.Connect(ctx, dsn)
		if err == nil {
			admin = conn
			break
		}
		errs = append(errs, err)
	}
	if admin == nil {
		return "", fmt.Errorf("connect to local postgres: %w", errors.Join(errs...))
	}
	defer admin.Close(ctx)

	role := pgx.Identifier{db.Role}.Sanitize()
	name := pgx.Identifier{db.Name}.Sanitize()

	var exists bool
	if err := admin.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM pg_roles WHERE rolname = $1)`, db.Role).Scan(&exists); err != nil {
		return "", fmt.Errorf("look up role %s: %w", db.Role, err)
	}
	if !exists {
		// CREATE ROLE takes no bind parameters; the password is quoted by hand.
		stmt := fmt.Sprintf("CREATE ROLE %s WITH LOGIN PASSWORD '%s'", role, escapeLiteral(db.Password))
		if _, err := admin.Exec(ctx, stmt); err != nil {
			return "", fmt.Errorf("create role %s: %w", db.Role, err)
		}
	}

	_, _ = admin.Exec(ctx, `SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = $1 AND pid <> pg_backend_pid()`, db.Name)
	if _, err := admin.Exec(ctx, "DROP DATABASE IF EXISTS "+name); err != nil {
		return "", fmt.Errorf("drop database %s: %w", db.Name, err)
	}
	if _, err := admin.Exec(ctx, fmt.Sprintf("CREATE DATABASE %s OWNER %s", name, role)); err != nil {
		return "", fmt.Errorf("create database %s: %w", db.Name, err)
	}

	return db.DSN(), nil
}

func escapeLiteral(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\'' {
			out = append(out, '\'')
		}
		out = append(out, s[i])
	}
	return string(out)
}
