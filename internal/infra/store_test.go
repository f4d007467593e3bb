package infra

import (
	"database/sql"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tagfence/tagfence/internal/domain"
)

// newTestStore creates an encrypted store in a temp directory.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dataDir := t.TempDir()
	key, err := GenerateKey()
	require.NoError(t, err)

	s, err := NewStore(dataDir, key, zap.NewNop())
	require.NoError(t, err)

	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_SeedsDefaultProfile(t *testing.T) {
	s := newTestStore(t)

	profiles, err := s.List()
	require.NoError(t, err)
	require.Len(t, profiles, 1)
	assert.Equal(t, "Default", profiles[0].Name)

	active, err := s.Active()
	require.NoError(t, err)
	assert.Equal(t, profiles[0].ID, active.ID)
}

func TestStore_SaveIsWholeObjectReplacement(t *testing.T) {
	s := newTestStore(t)

	p := domain.Profile{
		ID:            uuid.NewString(),
		Name:          "Work",
		BlockedAppIDs: []string{"com.x", "com.y"},
		Icon:          domain.IconWork,
	}
	require.NoError(t, s.Save(p))

	p.BlockedAppIDs = []string{"com.z"}
	require.NoError(t, s.Save(p))

	got, err := s.Get(p.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"com.z"}, got.BlockedAppIDs, "replacement, not merge")
	assert.Equal(t, domain.IconWork, got.Icon)
}

func TestStore_DeleteLastProfileRejected(t *testing.T) {
	s := newTestStore(t)

	profiles, err := s.List()
	require.NoError(t, err)
	require.Len(t, profiles, 1)

	err = s.Delete(profiles[0].ID)
	assert.ErrorIs(t, err, domain.ErrLastProfile)

	// No state mutation occurred.
	after, err := s.List()
	require.NoError(t, err)
	assert.Len(t, after, 1)
}

func TestStore_DeleteActiveProfileReassignsActive(t *testing.T) {
	s := newTestStore(t)

	second := domain.Profile{ID: uuid.NewString(), Name: "Second", Icon: domain.IconCustom}
	require.NoError(t, s.Save(second))

	active, err := s.Active()
	require.NoError(t, err)
	require.NoError(t, s.Delete(active.ID))

	newActive, err := s.Active()
	require.NoError(t, err)
	assert.Equal(t, second.ID, newActive.ID)
}

func TestStore_DeleteUnknownProfile(t *testing.T) {
	s := newTestStore(t)

	// The unknown ID is reported as such even while only the seeded
	// profile exists, not misattributed to last-profile protection.
	assert.ErrorIs(t, s.Delete("nope"), domain.ErrProfileNotFound)

	require.NoError(t, s.Save(domain.Profile{ID: uuid.NewString(), Name: "Other", Icon: domain.IconCustom}))
	assert.ErrorIs(t, s.Delete("nope"), domain.ErrProfileNotFound)
}

func TestStore_CorruptProfileRowSkipped(t *testing.T) {
	s := newTestStore(t)

	_, err := s.db.Exec(`INSERT INTO profiles (id, name, blocked_app_ids, icon) VALUES (?, ?, ?, ?)`,
		"bad", "Broken", "{not json", "focus")
	require.NoError(t, err)

	profiles, err := s.List()
	require.NoError(t, err)
	for _, p := range profiles {
		assert.NotEqual(t, "bad", p.ID, "corrupt row must be skipped, not returned or fatal")
	}
}

func TestStore_TagRegistryOrderAndRemoval(t *testing.T) {
	s := newTestStore(t)
	reg := s.TagRegistry()

	older := domain.Token{ID: uuid.NewString(), Payload: "TAGFENCE-1-0001", CreatedAt: time.UnixMilli(1000)}
	newer := domain.Token{ID: uuid.NewString(), Payload: "TAGFENCE-2-0002", CreatedAt: time.UnixMilli(2000)}
	require.NoError(t, reg.Add(older))
	require.NoError(t, reg.Add(newer))

	tokens, err := reg.List()
	require.NoError(t, err)
	require.Len(t, tokens, 2)
	assert.Equal(t, newer.ID, tokens[0].ID, "newest first")

	require.NoError(t, reg.Remove(older.ID))
	tokens, err = reg.List()
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	assert.Equal(t, newer.ID, tokens[0].ID)

	assert.ErrorIs(t, reg.Remove(older.ID), domain.ErrTokenNotFound)
}

func TestStore_StateRoundTrip(t *testing.T) {
	s := newTestStore(t)

	v, err := s.GetState(domain.StateKeyIsBlocking)
	require.NoError(t, err)
	assert.Equal(t, "", v, "unset state reads as empty")

	require.NoError(t, s.SetState(domain.StateKeyIsBlocking, "true"))
	v, err = s.GetState(domain.StateKeyIsBlocking)
	require.NoError(t, err)
	assert.Equal(t, "true", v)
}

// TestStore_MigratesV1Schema seeds a version-1 database by hand and
// verifies reopening it copies the tag rows into the new table verbatim.
func TestStore_MigratesV1Schema(t *testing.T) {
	dataDir := t.TempDir()
	key, err := GenerateKey()
	require.NoError(t, err)

	dsn := fmt.Sprintf("%s?_pragma_key=x'%s'&_pragma_cipher_page_size=4096",
		filepath.Join(dataDir, storeDBName), hex.EncodeToString(key))
	db, err := sql.Open("sqlite3", dsn)
	require.NoError(t, err)

	legacy := `
	CREATE TABLE profiles (id TEXT PRIMARY KEY, name TEXT NOT NULL, blocked_app_ids TEXT NOT NULL, icon TEXT NOT NULL);
	CREATE TABLE tags (id TEXT PRIMARY KEY, payload TEXT NOT NULL, created_at NUMERIC NOT NULL);
	CREATE TABLE state (key TEXT PRIMARY KEY, value TEXT NOT NULL);
	PRAGMA user_version = 1;
	`
	_, err = db.Exec(legacy)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO tags (id, payload, created_at) VALUES (?, ?, ?)`,
		"t1", "TAGFENCE-1724764800000-0042", int64(1724764800000))
	require.NoError(t, err)
	require.NoError(t, db.Close())

	s, err := NewStore(dataDir, key, zap.NewNop())
	require.NoError(t, err)
	defer s.Close()

	tokens, err := s.ListTokens()
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	assert.Equal(t, "t1", tokens[0].ID)
	assert.Equal(t, int64(1724764800000), tokens[0].CreatedAt.UnixMilli(), "values copied verbatim")

	var version int
	require.NoError(t, s.db.QueryRow(`PRAGMA user_version`).Scan(&version))
	assert.Equal(t, schemaVersion, version)
}
