package infra

import (
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	sqlcipher "github.com/mutecomm/go-sqlcipher/v4"
	"go.uber.org/zap"

	"github.com/tagfence/tagfence/internal/domain"
)

// Ensure sqlcipher driver is registered.
var _ = sqlcipher.IsEncrypted

const (
	storeDBName = "tagfence.db"

	// schemaVersion is tracked via PRAGMA user_version.
	// v1: tags.created_at held the legacy time representation.
	// v2: tags.created_at is a unix-millisecond INTEGER column.
	schemaVersion = 2
)

// Store implements domain.ProfileStore, domain.TagRegistry and
// domain.StateStore on a single SQLCipher-encrypted SQLite database.
type Store struct {
	db     *sql.DB
	dbPath string
	logger *zap.Logger
}

// NewStore opens (or creates) the encrypted store in dataDir.
// The key is used as the SQLCipher passphrase via PRAGMA key.
func NewStore(dataDir string, key []byte, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, storeDBName)
	keyHex := hex.EncodeToString(key)

	dsn := fmt.Sprintf("%s?_pragma_key=x'%s'&_pragma_cipher_page_size=4096", dbPath, keyHex)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open encrypted database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to encrypted database: %w", err)
	}

	s := &Store{db: db, dbPath: dbPath, logger: logger}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	if err := s.seedDefaultProfile(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to seed default profile: %w", err)
	}

	return s, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path (for status output and tests).
func (s *Store) Path() string {
	return s.dbPath
}

// migrate brings the schema to the current version.
func (s *Store) migrate() error {
	var version int
	if err := s.db.QueryRow(`PRAGMA user_version`).Scan(&version); err != nil {
		return err
	}

	switch version {
	case 0:
		return s.createSchema()
	case 1:
		return s.migrateV1toV2()
	case schemaVersion:
		return nil
	default:
		return fmt.Errorf("unknown schema version %d", version)
	}
}

func (s *Store) createSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS profiles (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		blocked_app_ids TEXT NOT NULL,
		icon TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tags (
		id TEXT PRIMARY KEY,
		payload TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS state (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	_, err := s.db.Exec(fmt.Sprintf(`PRAGMA user_version = %d`, schemaVersion))
	return err
}

// migrateV1toV2 reinterprets the tag creation timestamp column as a
// unix-millisecond INTEGER. Values are copied verbatim into the new table
// (the stored integers already carry millisecond payloads; only the
// declared representation changes), then the old table is dropped and the
// new one renamed. Purely data-preserving.
func (s *Store) migrateV1toV2() error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	steps := []string{
		`CREATE TABLE tags_new (
			id TEXT PRIMARY KEY,
			payload TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`INSERT INTO tags_new (id, payload, created_at)
			SELECT id, payload, created_at FROM tags`,
		`DROP TABLE tags`,
		`ALTER TABLE tags_new RENAME TO tags`,
		fmt.Sprintf(`PRAGMA user_version = %d`, schemaVersion),
	}
	for _, step := range steps {
		if _, err := tx.Exec(step); err != nil {
			return fmt.Errorf("migration step failed: %w", err)
		}
	}
	return tx.Commit()
}

// seedDefaultProfile guarantees the store never holds zero profiles.
func (s *Store) seedDefaultProfile() error {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM profiles`).Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	p := domain.Profile{
		ID:            uuid.NewString(),
		Name:          "Default",
		BlockedAppIDs: []string{},
		Icon:          domain.IconFocus,
	}
	if err := s.Save(p); err != nil {
		return err
	}
	return s.SetState(domain.StateKeyCurrentProfile, p.ID)
}

// --- domain.ProfileStore implementation ---

// List returns all profiles, skipping rows whose blocked-app set fails to
// decode rather than failing the whole read.
func (s *Store) List() ([]domain.Profile, error) {
	rows, err := s.db.Query(`SELECT id, name, blocked_app_ids, icon FROM profiles ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var profiles []domain.Profile
	for rows.Next() {
		var p domain.Profile
		var idsJSON, icon string
		if err := rows.Scan(&p.ID, &p.Name, &idsJSON, &icon); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(idsJSON), &p.BlockedAppIDs); err != nil {
			s.logger.Warn("corrupt blocked_app_ids, skipping profile",
				zap.String("profile_id", p.ID),
				zap.Error(err))
			continue
		}
		if p.BlockedAppIDs == nil {
			p.BlockedAppIDs = []string{}
		}
		p.Icon = domain.ProfileIcon(icon)
		profiles = append(profiles, p)
	}
	return profiles, rows.Err()
}

// Get returns a profile by ID.
func (s *Store) Get(id string) (*domain.Profile, error) {
	var p domain.Profile
	var idsJSON, icon string
	err := s.db.QueryRow(`SELECT id, name, blocked_app_ids, icon FROM profiles WHERE id = ?`, id).
		Scan(&p.ID, &p.Name, &idsJSON, &icon)
	if err == sql.ErrNoRows {
		return nil, domain.ErrProfileNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(idsJSON), &p.BlockedAppIDs); err != nil {
		s.logger.Warn("corrupt blocked_app_ids, falling back to empty set",
			zap.String("profile_id", p.ID),
			zap.Error(err))
		p.BlockedAppIDs = []string{}
	}
	if p.BlockedAppIDs == nil {
		p.BlockedAppIDs = []string{}
	}
	p.Icon = domain.ProfileIcon(icon)
	return &p, nil
}

// Save inserts or replaces a profile wholesale.
func (s *Store) Save(p domain.Profile) error {
	if p.BlockedAppIDs == nil {
		p.BlockedAppIDs = []string{}
	}
	idsJSON, err := json.Marshal(p.BlockedAppIDs)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO profiles (id, name, blocked_app_ids, icon)
		VALUES (?, ?, ?, ?)`,
		p.ID, p.Name, string(idsJSON), string(p.Icon),
	)
	return err
}

// Delete removes a profile. The last remaining profile cannot be deleted;
// if the active profile is removed, another one becomes active.
func (s *Store) Delete(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM profiles WHERE id = ?`, id).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return domain.ErrProfileNotFound
	}

	var count int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM profiles`).Scan(&count); err != nil {
		return err
	}
	if count <= 1 {
		return domain.ErrLastProfile
	}

	if _, err := tx.Exec(`DELETE FROM profiles WHERE id = ?`, id); err != nil {
		return err
	}

	var activeID string
	err = tx.QueryRow(`SELECT value FROM state WHERE key = ?`, domain.StateKeyCurrentProfile).Scan(&activeID)
	if err != nil && err != sql.ErrNoRows {
		return err
	}
	if activeID == id {
		var nextID string
		if err := tx.QueryRow(`SELECT id FROM profiles ORDER BY name LIMIT 1`).Scan(&nextID); err != nil {
			return err
		}
		if _, err := tx.Exec(`INSERT OR REPLACE INTO state (key, value) VALUES (?, ?)`,
			domain.StateKeyCurrentProfile, nextID); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// Active returns the currently active profile.
func (s *Store) Active() (*domain.Profile, error) {
	id, err := s.GetState(domain.StateKeyCurrentProfile)
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, domain.ErrNoActiveProfile
	}
	p, err := s.Get(id)
	if err == domain.ErrProfileNotFound {
		return nil, domain.ErrNoActiveProfile
	}
	return p, err
}

// SetActive marks a profile as the single active one.
func (s *Store) SetActive(id string) error {
	if _, err := s.Get(id); err != nil {
		return err
	}
	return s.SetState(domain.StateKeyCurrentProfile, id)
}

// --- domain.TagRegistry implementation ---

// ListTokens returns all written tokens, newest first. Unreadable data
// degrades to an empty list so callers never crash on a corrupt store.
func (s *Store) ListTokens() ([]domain.Token, error) {
	rows, err := s.db.Query(`SELECT id, payload, created_at FROM tags ORDER BY created_at DESC`)
	if err != nil {
		s.logger.Warn("failed to read tag registry, falling back to empty list", zap.Error(err))
		return []domain.Token{}, nil
	}
	defer rows.Close()

	tokens := []domain.Token{}
	for rows.Next() {
		var t domain.Token
		var createdAt int64
		if err := rows.Scan(&t.ID, &t.Payload, &createdAt); err != nil {
			s.logger.Warn("corrupt tag row, skipping", zap.Error(err))
			continue
		}
		t.CreatedAt = time.UnixMilli(createdAt)
		tokens = append(tokens, t)
	}
	if err := rows.Err(); err != nil {
		s.logger.Warn("tag registry read interrupted", zap.Error(err))
	}
	return tokens, nil
}

// AddToken appends a token. The row is committed before AddToken returns,
// so the write-confirmation surfaced afterwards is backed by durable state.
func (s *Store) AddToken(t domain.Token) error {
	_, err := s.db.Exec(`INSERT INTO tags (id, payload, created_at) VALUES (?, ?, ?)`,
		t.ID, t.Payload, t.CreatedAt.UnixMilli())
	return err
}

// RemoveToken deletes a token by ID.
func (s *Store) RemoveToken(id string) error {
	res, err := s.db.Exec(`DELETE FROM tags WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrTokenNotFound
	}
	return nil
}

// --- domain.StateStore implementation ---

// GetState returns the value for key, or "" when unset.
func (s *Store) GetState(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// SetState stores a value for key.
func (s *Store) SetState(key, value string) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO state (key, value) VALUES (?, ?)`, key, value)
	return err
}

// tagRegistryAdapter exposes the Store's tag methods under the
// domain.TagRegistry names.
type tagRegistryAdapter struct{ s *Store }

// TagRegistry returns the store viewed as a domain.TagRegistry.
func (s *Store) TagRegistry() domain.TagRegistry {
	return &tagRegistryAdapter{s: s}
}

func (a *tagRegistryAdapter) List() ([]domain.Token, error) { return a.s.ListTokens() }
func (a *tagRegistryAdapter) Add(t domain.Token) error      { return a.s.AddToken(t) }
func (a *tagRegistryAdapter) Remove(id string) error        { return a.s.RemoveToken(id) }

// Interface checks.
var (
	_ domain.ProfileStore = (*Store)(nil)
	_ domain.StateStore   = (*Store)(nil)
	_ domain.TagRegistry  = (*tagRegistryAdapter)(nil)
)
