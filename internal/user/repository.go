package user

import (
	"context"
	"database/sql"
	"sort"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/juju/errors"
)

// Store is the user directory.
type Store interface {
	CreateUser(ctx context.Context, user *User) error
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	SearchUsers(ctx context.Context, query string, limit int) ([]User, error)
	ListOthers(ctx context.Context, userID string) ([]User, error)
	GetUserByID(ctx context.Context, id string) (*User, error)
	UpdateProfile(ctx context.Context, id string, update ProfileUpdate) (*User, error)
}

const (
	uniqueViolation = "23505"
	userColumns     = "id, username, full_name, bio, profile_pic"
)

// Repository keeps users in PostgreSQL.
type Repository struct {
	db *sql.DB
}

var _ Store = (*Repository)(nil)

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) CreateUser(ctx context.Context, user *User) error {
	query := "INSERT INTO users (id, username, full_name, bio, profile_pic, password) VALUES ($1, $2, $3, $4, $5, $6)"
	_, err := r.db.ExecContext(ctx, query, user.ID, user.Username, user.FullName, user.Bio, user.ProfilePic, user.Password)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return errors.AlreadyExistsf("user %q", user.Username)
	}
	return errors.Trace(err)
}

func (r *Repository) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	u := &User{}
	query := "SELECT " + userColumns + ", password FROM users WHERE username = $1"

	err := r.db.QueryRowContext(ctx, query, username).Scan(&u.ID, &u.Username, &u.FullName, &u.Bio, &u.ProfilePic, &u.Password)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NotFoundf("user %q", username)
	}
	if err != nil {
		return nil, errors.Trace(err)
	}
	return u, nil
}

func (r *Repository) GetUserByID(ctx context.Context, id string) (*User, error) {
	query := "SELECT " + userColumns + " FROM users WHERE id = $1"
	return r.one(ctx, id, query, id)
}

func (r *Repository) UpdateProfile(ctx context.Context, id string, update ProfileUpdate) (*User, error) {
	query := `UPDATE users SET full_name = $2, bio = $3, profile_pic = COALESCE($4::text, profile_pic)
              WHERE id = $1 RETURNING ` + userColumns
	return r.one(ctx, id, query, id, update.FullName, update.Bio, update.ProfilePic)
}

func (r *Repository) one(ctx context.Context, id, query string, args ...any) (*User, error) {
	u := &User{}
	err := r.db.QueryRowContext(ctx, query, args...).Scan(&u.ID, &u.Username, &u.FullName, &u.Bio, &u.ProfilePic)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NotFoundf("user %q", id)
	}
	if err != nil {
		return nil, errors.Trace(err)
	}
	return u, nil
}

func (r *Repository) SearchUsers(ctx context.Context, query string, limit int) ([]User, error) {
	q := `SELECT ` + userColumns + ` FROM users WHERE username ILIKE $1 ORDER BY username LIMIT $2`
	return r.list(ctx, q, "%"+query+"%", limit)
}

func (r *Repository) ListOthers(ctx context.Context, userID string) ([]User, error) {
	q := `SELECT ` + userColumns + ` FROM users WHERE id <> $1 ORDER BY username`
	return r.list(ctx, q, userID)
}

func (r *Repository) list(ctx context.Context, query string, args ...any) ([]User, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer rows.Close()

	users := []User{}
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Username, &u.FullName, &u.Bio, &u.ProfilePic); err != nil {
			return nil, errors.Trace(err)
		}
		users = append(users, u)
	}
	return users, errors.Trace(rows.Err())
}

// MemoryRepository is a process-local directory for development and tests.
type MemoryRepository struct {
	mu         sync.RWMutex
	byUsername map[string]User
}

var _ Store = (*MemoryRepository)(nil)

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{byUsername: make(map[string]User)}
}

func (r *MemoryRepository) CreateUser(_ context.Context, user *User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byUsername[user.Username]; ok {
		return errors.AlreadyExistsf("user %q", user.Username)
	}
	r.byUsername[user.Username] = *user
	return nil
}

func (r *MemoryRepository) GetUserByUsername(_ context.Context, username string) (*User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.byUsername[username]
	if !ok {
		return nil, errors.NotFoundf("user %q", username)
	}
	return &u, nil
}

func (r *MemoryRepository) SearchUsers(_ context.Context, query string, limit int) ([]User, error) {
	query = strings.ToLower(query)
	users := r.sorted(func(u User) bool {
		return strings.Contains(strings.ToLower(u.Username), query)
	})
	if limit > 0 && len(users) > limit {
		users = users[:limit]
	}
	return users, nil
}

func (r *MemoryRepository) ListOthers(_ context.Context, userID string) ([]User, error) {
	return r.sorted(func(u User) bool { return u.ID != userID }), nil
}

func (r *MemoryRepository) GetUserByID(_ context.Context, id string) (*User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, u := range r.byUsername {
		if u.ID == id {
			u.Password = ""
			return &u, nil
		}
	}
	return nil, errors.NotFoundf("user %q", id)
}

func (r *MemoryRepository) UpdateProfile(_ context.Context, id string, update ProfileUpdate) (*User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, u := range r.byUsername {
		if u.ID != id {
			continue
		}
		u.FullName, u.Bio = update.FullName, update.Bio
		if update.ProfilePic != nil {
			u.ProfilePic = *update.ProfilePic
		}
		r.byUsername[name] = u
		u.Password = ""
		return &u, nil
	}
	return nil, errors.NotFoundf("user %q", id)
}

func (r *MemoryRepository) sorted(keep func(User) bool) []User {
	r.mu.RLock()
	defer r.mu.RUnlock()
	users := []User{}
	for _, u := range r.byUsername {
		if keep(u) {
			u.Password = ""
			users = append(users, u)
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users
}
