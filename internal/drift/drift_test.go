package drift

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lockplane/ratchet/internal/conflict"
	"github.com/lockplane/ratchet/internal/errdefs"
	"github.com/lockplane/ratchet/internal/source"
	"github.com/lockplane/ratchet/internal/state"
)

func TestChecksumIsStable(t *testing.T) {
	base := Checksum("CREATE TABLE users (id INT);\nCREATE INDEX users_id ON users (id);\n")
	assert.Len(t, base, 64)

	same := []string{
		"CREATE TABLE users (id INT);\r\nCREATE INDEX users_id ON users (id);\r\n",
		"CREATE TABLE users (id INT);   \nCREATE INDEX users_id ON users (id);\t\n",
		"CREATE TABLE users (id INT);\nCREATE INDEX users_id ON users (id);\n\n\n",
		"CREATE TABLE users (id INT);\nCREATE INDEX users_id ON users (id);",
	}
	for _, content := range same {
		assert.Equal(t, base, Checksum(content), "%q", content)
	}

	different := []string{
		"CREATE TABLE users (id BIGINT);\nCREATE INDEX users_id ON users (id);\n",
		"  CREATE TABLE users (id INT);\nCREATE INDEX users_id ON users (id);\n",
		"CREATE TABLE users (id INT);\n\nCREATE INDEX users_id ON users (id);\n",
	}
	for _, content := range different {
		assert.NotEqual(t, base, Checksum(content), "%q", content)
	}
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "a\nb", Normalize("a \r\nb\r\n\r\n"))
	assert.Equal(t, "a\nb", Normalize("a\rb"))
	assert.Equal(t, "", Normalize("\n\n  \n"))
}

func TestValidate(t *testing.T) {
	original := "CREATE TABLE users (id INT);\n"
	descriptors := []source.Descriptor{
		{Number: 1, Name: "create_users", Content: original},
		{Number: 2, Name: "add_email", Content: "ALTER TABLE users ADD COLUMN email TEXT;\n"},
	}

	t.Run("unchanged", func(t *testing.T) {
		records := []state.Record{
			{Number: 1, Name: "create_users", Status: state.StatusApplied, Checksum: Checksum(original)},
		}
		assert.Empty(t, Validate(descriptors, records))
	})

	t.Run("edited after apply", func(t *testing.T) {
		records := []state.Record{
			{Number: 1, Name: "create_users", Status: state.StatusApplied, Checksum: Checksum(original)},
			{Number: 2, Name: "add_email", Status: state.StatusApplied, Checksum: Checksum("ALTER TABLE users ADD COLUMN email VARCHAR(10);")},
		}
		got := Validate(descriptors, records)
		require.Len(t, got, 1)
		assert.Equal(t, conflict.KindDrift, got[0].Kind)
		assert.Equal(t, []int{2}, got[0].Migrations)
		assert.True(t, got[0].Blocking)

		var drift *errdefs.DriftDetectedError
		require.ErrorAs(t, got[0].Err, &drift)
		assert.Equal(t, Of(descriptors[1]), drift.Current)
		assert.ErrorIs(t, got[0].Err, errdefs.ErrDrift)
	})

	t.Run("deleted file is not drift", func(t *testing.T) {
		records := []state.Record{
			{Number: 9, Name: "archived", Status: state.StatusApplied, Checksum: "deadbeef"},
		}
		assert.Empty(t, Validate(descriptors, records))
	})

	t.Run("only applied rows count", func(t *testing.T) {
		records := []state.Record{
			{Number: 1, Name: "create_users", Status: state.StatusFailed, Checksum: "stale"},
			{Number: 1, Name: "create_users", Status: state.StatusRolledBack, Checksum: "stale"},
		}
		assert.Empty(t, Validate(descriptors, records))
	})

	t.Run("renamed file keeps its number", func(t *testing.T) {
		records := []state.Record{
			{Number: 1, Name: "make_users", Status: state.StatusApplied, Checksum: "0000"},
		}
		assert.Len(t, Validate(descriptors, records), 1)
	})
}
