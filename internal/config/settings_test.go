package config

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefineBool_Default(t *testing.T) {
	s := NewSettings()
	b := s.DefineBool("queryid.track_utility", "Track utility commands.", true, ContextSuperuser)

	assert.True(t, b.Get())
	assert.True(t, b.Default())
	assert.Equal(t, "queryid.track_utility", b.Name())
	assert.Equal(t, ContextSuperuser, b.Context())
	assert.Equal(t, "Track utility commands.", b.Description())
}

func TestDefineBool_ReturnsExisting(t *testing.T) {
	s := NewSettings()
	first := s.DefineBool("ext.flag", "", true, ContextUser)
	second := s.DefineBool("EXT.FLAG", "", false, ContextSuperuser)

	assert.Same(t, first, second)
	assert.True(t, second.Get())
}

func TestSet_SuperuserContext(t *testing.T) {
	s := NewSettings()
	b := s.DefineBool("queryid.track_utility", "", true, ContextSuperuser)

	err := s.Set("queryid.track_utility", "off", RoleUser)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPermissionDenied)
	assert.True(t, b.Get(), "rejected SET must not change the value")

	require.NoError(t, s.Set("queryid.track_utility", "off", RoleSuperuser))
	assert.False(t, b.Get())
}

func TestSet_UserContext(t *testing.T) {
	s := NewSettings()
	b := s.DefineBool("ext.verbose", "", false, ContextUser)

	require.NoError(t, s.Set("ext.verbose", "yes", RoleUser))
	assert.True(t, b.Get())
}

func TestSet_PostmasterContext(t *testing.T) {
	s := NewSettings()
	s.DefineBool("fixed", "", false, ContextPostmaster)

	err := s.Set("fixed", "on", RoleSuperuser)
	assert.ErrorIs(t, err, ErrPermissionDenied)
}

func TestSet_InvalidValue(t *testing.T) {
	s := NewSettings()
	s.DefineBool("ext.flag", "", true, ContextUser)

	err := s.Set("ext.flag", "maybe", RoleUser)
	assert.ErrorIs(t, err, ErrInvalidValue)
}

func TestSet_UnknownPlainName(t *testing.T) {
	s := NewSettings()
	err := s.Set("work_mem_typo", "on", RoleSuperuser)
	assert.ErrorIs(t, err, ErrUnknownSetting)
}

func TestSet_PlaceholderAppliedAtDefinition(t *testing.T) {
	s := NewSettings()

	require.NoError(t, s.Set("queryid.track_utility", "off", RoleUser))
	shown, err := s.Show("queryid.track_utility")
	require.NoError(t, err)
	assert.Equal(t, "off", shown)

	b := s.DefineBool("queryid.track_utility", "", true, ContextSuperuser)
	assert.False(t, b.Get(), "placeholder value wins over the default")
}

func TestSet_BadPlaceholderKeepsDefault(t *testing.T) {
	s := NewSettings()
	require.NoError(t, s.Set("queryid.track_utility", "sometimes", RoleUser))

	b := s.DefineBool("queryid.track_utility", "", true, ContextSuperuser)
	assert.True(t, b.Get())
}

func TestReset(t *testing.T) {
	s := NewSettings()
	b := s.DefineBool("queryid.track_utility", "", true, ContextSuperuser)
	require.NoError(t, s.Set("queryid.track_utility", "off", RoleSuperuser))

	assert.ErrorIs(t, s.Reset("queryid.track_utility", RoleUser), ErrPermissionDenied)
	assert.False(t, b.Get())

	require.NoError(t, s.Reset("queryid.track_utility", RoleSuperuser))
	assert.True(t, b.Get())

	assert.ErrorIs(t, s.Reset("nope", RoleSuperuser), ErrUnknownSetting)
}

func TestShow(t *testing.T) {
	s := NewSettings()
	s.DefineBool("ext.flag", "", true, ContextUser)

	v, err := s.Show("ext.flag")
	require.NoError(t, err)
	assert.Equal(t, "on", v)

	_, err = s.Show("ext.missing")
	assert.ErrorIs(t, err, ErrUnknownSetting)
}

func TestNames_Sorted(t *testing.T) {
	s := NewSettings()
	s.DefineBool("zeta.flag", "", true, ContextUser)
	s.DefineBool("alpha.flag", "", true, ContextUser)
	s.DefineBool("compute_query_id", "", true, ContextSuperuser)

	assert.Equal(t, []string{"alpha.flag", "compute_query_id", "zeta.flag"}, s.Names())
}

func TestApplyFile(t *testing.T) {
	s := NewSettings()
	compute := s.DefineBool("compute_query_id", "", true, ContextSuperuser)

	err := s.ApplyFile(map[string]string{
		"compute_query_id":      "off",
		"queryid.track_utility": "off",
	})
	require.NoError(t, err)
	assert.False(t, compute.Get())

	track := s.DefineBool("queryid.track_utility", "", true, ContextSuperuser)
	assert.False(t, track.Get())
}

func TestApplyFile_UnknownName(t *testing.T) {
	s := NewSettings()
	err := s.ApplyFile(map[string]string{"bogus": "on"})
	assert.ErrorIs(t, err, ErrUnknownSetting)
}

func TestParseBool(t *testing.T) {
	truthy := []string{"on", "ON", "true", "t", "yes", "y", "1", "'on'", " true "}
	for _, raw := range truthy {
		v, err := ParseBool(raw)
		require.NoError(t, err, raw)
		assert.True(t, v, raw)
	}

	falsy := []string{"off", "of", "false", "f", "no", "n", "0"}
	for _, raw := range falsy {
		v, err := ParseBool(raw)
		require.NoError(t, err, raw)
		assert.False(t, v, raw)
	}

	for _, raw := range []string{"", "o", "2", "maybe"} {
		_, err := ParseBool(raw)
		assert.ErrorIs(t, err, ErrInvalidValue, raw)
	}
}

func TestParseRole(t *testing.T) {
	r, err := ParseRole("superuser")
	require.NoError(t, err)
	assert.Equal(t, RoleSuperuser, r)

	r, err = ParseRole("")
	require.NoError(t, err)
	assert.Equal(t, RoleUser, r)

	_, err = ParseRole("admin")
	assert.Error(t, err)
}

func TestBoolSetting_ConcurrentReadWrite(t *testing.T) {
	s := NewSettings()
	b := s.DefineBool("queryid.track_utility", "", true, ContextSuperuser)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			_ = s.Set("queryid.track_utility", FormatBool(i%2 == 0), RoleSuperuser)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			_ = b.Get()
		}
	}()
	wg.Wait()
}
