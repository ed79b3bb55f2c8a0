package registry

import (
	"database/sql"
	"fmt"
	"time"
)

// CreateAdmin inserts a platform admin user. Fails on duplicate email.
func (s *Store) CreateAdmin(a *AdminUser) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO admin_users (id, email, password_hash, created_at)
		VALUES (?, ?, ?, ?)`,
		a.ID, a.Email, a.PasswordHash, a.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("create admin %s: %w", a.Email, err)
	}
	return nil
}

// GetAdmin returns the admin with the given ID, or nil if absent.
func (s *Store) GetAdmin(id string) (*AdminUser, error) {
	row := s.db.QueryRow(`SELECT id, email, password_hash, created_at FROM admin_users WHERE id = ?`, id)
	return scanAdmin(row)
}

// GetAdminByEmail returns the admin with the given email, or nil if absent.
func (s *Store) GetAdminByEmail(email string) (*AdminUser, error) {
	row := s.db.QueryRow(`SELECT id, email, password_hash, created_at FROM admin_users WHERE email = ?`, email)
	return scanAdmin(row)
}

// UpdateAdminPassword replaces an admin's password hash.
func (s *Store) UpdateAdminPassword(id, passwordHash string) error {
	res, err := s.db.Exec(`UPDATE admin_users SET password_hash = ? WHERE id = ?`, passwordHash, id)
	if err != nil {
		return fmt.Errorf("update admin password: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update admin password: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("admin %s not found", id)
	}
	return nil
}

// DeleteAdmin removes an admin user.
func (s *Store) DeleteAdmin(id string) error {
	res, err := s.db.Exec(`DELETE FROM admin_users WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete admin: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete admin: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("admin %s not found", id)
	}
	return nil
}

// ListAdmins returns all admin users ordered by creation time.
func (s *Store) ListAdmins() ([]*AdminUser, error) {
	rows, err := s.db.Query(`SELECT id, email, password_hash, created_at FROM admin_users ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list admins: %w", err)
	}
	defer rows.Close()

	var admins []*AdminUser
	for rows.Next() {
		a, err := scanAdmin(rows)
		if err != nil {
			return nil, err
		}
		admins = append(admins, a)
	}
	return admins, rows.Err()
}

// CountAdmins returns the number of admin users.
func (s *Store) CountAdmins() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM admin_users`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count admins: %w", err)
	}
	return n, nil
}

func scanAdmin(row scanner) (*AdminUser, error) {
	var a AdminUser
	var createdAt int64
	if err := row.Scan(&a.ID, &a.Email, &a.PasswordHash, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan admin: %w", err)
	}
	a.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &a, nil
}
