package prompts

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley/parley/internal/session"
)

func TestLoadDefaults(t *testing.T) {
	pack, err := Load("")
	require.NoError(t, err)

	user := pack.Get(PresetUser)
	assert.Contains(t, user.System, "knowledge-base assistant")
	assert.Contains(t, user.System, "metadata")

	router := pack.Router()
	assert.Contains(t, router.System, "NEW_SESSION")
	assert.Contains(t, router.System, "confidence")

	expert := pack.Get(PresetExpert)
	assert.Contains(t, expert.System, "expert")
}

func TestLoadOverrideMergesPerPreset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompts.yaml")
	override := `presets:
  user:
    system: "custom user prompt"
    append: "answer in formal tone"
`
	require.NoError(t, os.WriteFile(path, []byte(override), 0o644))

	pack, err := Load(path)
	require.NoError(t, err)

	user := pack.Get(PresetUser)
	assert.Equal(t, "custom user prompt", user.System)
	assert.Equal(t, "answer in formal tone", user.Append)

	// Presets absent from the override keep the embedded defaults.
	assert.Contains(t, pack.Router().System, "NEW_SESSION")
}

func TestLoadMissingOverrideFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestForRole(t *testing.T) {
	pack, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, pack.Get(PresetExpert), pack.ForRole(session.RoleExpert))
	assert.Equal(t, pack.Get(PresetUser), pack.ForRole(session.RoleUser))
	assert.Equal(t, pack.Get(PresetUser), pack.ForRole(session.RoleExpertAsUser))
	assert.Equal(t, pack.Get(PresetUser), pack.ForRole(session.Role("made-up")), "unknown roles fall back to the user preset")
}

func TestGetUnknownPresetFallsBack(t *testing.T) {
	pack, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, pack.Get(PresetUser), pack.Get("no-such-preset"))
}

func TestFormatUserMessage(t *testing.T) {
	msg := FormatUserMessage("emp001", "Chen", "how do I submit an expense?")
	assert.Equal(t, "[user_id: emp001] [name: Chen]\nhow do I submit an expense?", msg)

	// Display name falls back to the id.
	msg = FormatUserMessage("emp002", "", "hello")
	assert.Contains(t, msg, "[name: emp002]")
}
