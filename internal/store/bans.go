package store

import (
	"time"

	"humble/internal/mirror"
)

// GetBans loads the full ban list, oldest first.
func (s *Store) GetBans() ([]mirror.Ban, error) {
	rows, err := s.db.Query(
		`SELECT address, mask, name, cert_hash, reason, start, duration_s FROM bans ORDER BY id ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []mirror.Ban
	for rows.Next() {
		var b mirror.Ban
		var addr []byte
		var start, durationS int64
		if err := rows.Scan(&addr, &b.Mask, &b.Name, &b.CertHash, &b.Reason, &start, &durationS); err != nil {
			return nil, err
		}
		b.IP = addr
		b.Start = time.Unix(start, 0)
		b.Duration = time.Duration(durationS) * time.Second
		out = append(out, b)
	}
	return out, rows.Err()
}

// SetBans replaces the entire ban list, the way a BanList save arrives.
func (s *Store) SetBans(bans []mirror.Ban) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM bans`); err != nil {
		return err
	}
	for _, b := range bans {
		if _, err := tx.Exec(
			`INSERT INTO bans(address, mask, name, cert_hash, reason, start, duration_s) VALUES(?,?,?,?,?,?,?)`,
			[]byte(b.IP), b.Mask, b.Name, b.CertHash, b.Reason,
			b.Start.Unix(), int64(b.Duration/time.Second),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// AddBan appends one entry without touching the rest of the list.
func (s *Store) AddBan(b mirror.Ban) error {
	_, err := s.db.Exec(
		`INSERT INTO bans(address, mask, name, cert_hash, reason, start, duration_s) VALUES(?,?,?,?,?,?,?)`,
		[]byte(b.IP), b.Mask, b.Name, b.CertHash, b.Reason,
		b.Start.Unix(), int64(b.Duration/time.Second),
	)
	return err
}

// PurgeExpiredBans removes bans past their duration and reports how many.
func (s *Store) PurgeExpiredBans() (int64, error) {
	res, err := s.db.Exec(
		`DELETE FROM bans WHERE duration_s > 0 AND start + duration_s <= unixepoch()`,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
