package store

import (
	"database/sql"
	"fmt"
	"strings"
)

// User is one registered-user row. Password material is a PBKDF2 hash with
// its salt and iteration count; legacy rows with KDFIterations 0 hold a
// plain SHA-1 digest and are upgraded on next successful login.
type User struct {
	UserID        int32
	Name          string
	PasswordHash  []byte
	Salt          []byte
	KDFIterations int
	CertHash      string
	Email         string
	TextureHash   []byte
	CommentHash   []byte
	LastActive    int64
	Groups        string
}

// GroupList splits the comma-joined groups column.
func (u User) GroupList() []string {
	if u.Groups == "" {
		return nil
	}
	return strings.Split(u.Groups, ",")
}

// RegisterUser inserts a new registered user and returns its id. The name
// must be unused.
func (s *Store) RegisterUser(name string, hash, salt []byte, iterations int, certHash string) (int32, error) {
	res, err := s.db.Exec(
		`INSERT INTO users(name, pw_hash, pw_salt, kdf_iterations, cert_hash) VALUES(?,?,?,?,?)`,
		name, hash, salt, iterations, certHash,
	)
	if err != nil {
		return 0, fmt.Errorf("register user %q: %w", name, err)
	}
	id, err := res.LastInsertId()
	return int32(id), err
}

const userColumns = `user_id, name, pw_hash, pw_salt, kdf_iterations, cert_hash, email, texture_hash, comment_hash, last_active, groups`

func scanUser(row interface{ Scan(...any) error }) (User, error) {
	var u User
	err := row.Scan(&u.UserID, &u.Name, &u.PasswordHash, &u.Salt, &u.KDFIterations,
		&u.CertHash, &u.Email, &u.TextureHash, &u.CommentHash, &u.LastActive, &u.Groups)
	return u, err
}

// SetUserGroups replaces a user's cluster-wide group memberships.
func (s *Store) SetUserGroups(userID int32, groups []string) error {
	_, err := s.db.Exec(`UPDATE users SET groups = ? WHERE user_id = ?`,
		strings.Join(groups, ","), userID)
	return err
}

// GetUser returns a registered user by id; false when unknown.
func (s *Store) GetUser(userID int32) (User, bool, error) {
	u, err := scanUser(s.db.QueryRow(
		`SELECT `+userColumns+` FROM users WHERE user_id = ?`, userID,
	))
	if err == sql.ErrNoRows {
		return User{}, false, nil
	}
	if err != nil {
		return User{}, false, err
	}
	return u, true, nil
}

// GetUserByName returns a registered user by exact name; false when unknown.
func (s *Store) GetUserByName(name string) (User, bool, error) {
	u, err := scanUser(s.db.QueryRow(
		`SELECT `+userColumns+` FROM users WHERE name = ?`, name,
	))
	if err == sql.ErrNoRows {
		return User{}, false, nil
	}
	if err != nil {
		return User{}, false, err
	}
	return u, true, nil
}

// GetUserByCertHash returns the registered user bound to a certificate
// fingerprint; false when no user carries it.
func (s *Store) GetUserByCertHash(certHash string) (User, bool, error) {
	if certHash == "" {
		return User{}, false, nil
	}
	u, err := scanUser(s.db.QueryRow(
		`SELECT `+userColumns+` FROM users WHERE cert_hash = ?`, certHash,
	))
	if err == sql.ErrNoRows {
		return User{}, false, nil
	}
	if err != nil {
		return User{}, false, err
	}
	return u, true, nil
}

// UpdateUserPassword replaces the stored credential material, used both for
// password changes and for upgrading legacy hashes to PBKDF2.
func (s *Store) UpdateUserPassword(userID int32, hash, salt []byte, iterations int) error {
	_, err := s.db.Exec(
		`UPDATE users SET pw_hash = ?, pw_salt = ?, kdf_iterations = ? WHERE user_id = ?`,
		hash, salt, iterations, userID,
	)
	return err
}

// RenameUser changes a registered user's name.
func (s *Store) RenameUser(userID int32, name string) error {
	res, err := s.db.Exec(`UPDATE users SET name = ? WHERE user_id = ?`, name, userID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeleteUser unregisters a user and drops their channel memory.
func (s *Store) DeleteUser(userID int32) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	res, err := tx.Exec(`DELETE FROM users WHERE user_id = ?`, userID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	if _, err := tx.Exec(`DELETE FROM channel_memory WHERE user_id = ?`, userID); err != nil {
		return err
	}
	return tx.Commit()
}

// TouchUser updates last_active, called on successful authentication.
func (s *Store) TouchUser(userID int32) error {
	_, err := s.db.Exec(`UPDATE users SET last_active = unixepoch() WHERE user_id = ?`, userID)
	return err
}

// SetUserTexture stores the blob hash of a user's texture.
func (s *Store) SetUserTexture(userID int32, hash []byte) error {
	_, err := s.db.Exec(`UPDATE users SET texture_hash = ? WHERE user_id = ?`, hash, userID)
	return err
}

// SetUserComment stores the blob hash of a user's comment.
func (s *Store) SetUserComment(userID int32, hash []byte) error {
	_, err := s.db.Exec(`UPDATE users SET comment_hash = ? WHERE user_id = ?`, hash, userID)
	return err
}

// FindUsers resolves names to ids and ids to names for QueryUsers. Unknown
// entries are simply absent from the result maps.
func (s *Store) FindUsers(names []string, ids []int32) (map[string]int32, map[int32]string, error) {
	byName := make(map[string]int32, len(names))
	byID := make(map[int32]string, len(ids))
	for _, name := range names {
		var id int32
		err := s.db.QueryRow(`SELECT user_id FROM users WHERE name = ?`, name).Scan(&id)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		byName[name] = id
	}
	for _, id := range ids {
		var name string
		err := s.db.QueryRow(`SELECT name FROM users WHERE user_id = ?`, id).Scan(&name)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		byID[id] = name
	}
	return byName, byID, nil
}

// ListUsers returns every registered user ordered by id, for UserList.
func (s *Store) ListUsers() ([]User, error) {
	rows, err := s.db.Query(`SELECT ` + userColumns + ` FROM users ORDER BY user_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
