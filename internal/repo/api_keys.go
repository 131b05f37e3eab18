package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"strings"

	"dealdesk/internal/domain"
)

// HashAPIKey returns a stable SHA-256 hex digest for the provided key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

// InsertAPIKey stores a key whose KeyHash is already hashed.
func (r Repo) InsertAPIKey(ctx context.Context, tx *sql.Tx, key domain.APIKey) error {
	switch {
	case key.ID == "":
		return errors.New("id required")
	case key.ActorID == "":
		return errors.New("actor_id required")
	case key.KeyHash == "":
		return errors.New("key_hash required")
	case key.CreatedAt == "":
		return errors.New("created_at required")
	}
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO api_keys(id,actor_id,name,key_hash,created_at) VALUES (?,?,?,?,?)`,
		key.ID, key.ActorID, nullable(key.Name), key.KeyHash, key.CreatedAt)
	return err
}

func (r Repo) GetAPIKeyByHash(ctx context.Context, hash string) (domain.APIKey, error) {
	var key domain.APIKey
	var name sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,actor_id,name,key_hash,created_at FROM api_keys WHERE key_hash=?`, hash).
		Scan(&key.ID, &key.ActorID, &name, &key.KeyHash, &key.CreatedAt)
	if err == sql.ErrNoRows {
		return domain.APIKey{}, ErrNotFound
	}
	key.Name = name.String
	return key, err
}

func (r Repo) ListAPIKeys(ctx context.Context) ([]domain.APIKey, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,actor_id,name,key_hash,created_at FROM api_keys ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	keys := []domain.APIKey{}
	for rows.Next() {
		var key domain.APIKey
		var name sql.NullString
		if err := rows.Scan(&key.ID, &key.ActorID, &name, &key.KeyHash, &key.CreatedAt); err != nil {
			return nil, err
		}
		key.Name = name.String
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (r Repo) DeleteAPIKey(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("id required")
	}
	return mustAffect(r.DB.ExecContext(ctx, `DELETE FROM api_keys WHERE id=?`, id))
}
