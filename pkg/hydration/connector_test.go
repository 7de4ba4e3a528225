package hydration

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantrylabs/gantry/pkg/api"
	"github.com/gantrylabs/gantry/pkg/store"
)

func noopFactory(map[string]interface{}, map[string]string) (Connector, error) {
	return newFakeConnector("noop"), nil
}

func TestRegistryRegisterValidation(t *testing.T) {
	r := NewRegistry()

	err := r.Register("", `{"type": "object"}`, noopFactory)
	assert.True(t, errors.Is(err, api.ErrInvalidInput))

	err = r.Register("x", `{"type": "object"}`, nil)
	assert.True(t, errors.Is(err, api.ErrInvalidInput))

	err = r.Register("x", `{not a schema`, noopFactory)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema for x")

	require.NoError(t, r.Register("x", `{"type": "object"}`, noopFactory))
}

func TestRegistryBuild(t *testing.T) {
	r := NewRegistry()
	schema := `{
		"type": "object",
		"required": ["root"],
		"properties": {"root": {"type": "string"}},
		"additionalProperties": false
	}`
	require.NoError(t, r.Register("x", schema, noopFactory))

	_, err := r.Build("nope", store.JSONMap{}, nil)
	assert.True(t, errors.Is(err, api.ErrInvalidInput))
	assert.Contains(t, err.Error(), "unknown source type")

	_, err = r.Build("x", store.JSONMap{}, nil)
	assert.True(t, errors.Is(err, api.ErrInvalidInput), "missing required key")

	_, err = r.Build("x", store.JSONMap{"root": "/tmp", "extra": 1}, nil)
	assert.True(t, errors.Is(err, api.ErrInvalidInput), "unknown keys rejected")

	conn, err := r.Build("x", store.JSONMap{"root": "/tmp"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "noop", conn.Type())
}

func TestRegistryBuildWrapsFactoryError(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("x", `{"type": "object"}`,
		func(map[string]interface{}, map[string]string) (Connector, error) {
			return nil, errors.New("bad credentials")
		}))

	_, err := r.Build("x", store.JSONMap{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "build x connector")
	assert.Contains(t, err.Error(), "bad credentials")
}

func TestDefaultRegistryTypes(t *testing.T) {
	types := DefaultRegistry().Types()
	assert.Equal(t, []string{TypeGoogleDrive, TypeGoogleDrivePublic, TypeServerFS}, types)
}

func TestDefaultRegistryDriveNeedsToken(t *testing.T) {
	r := DefaultRegistry()
	config := store.JSONMap{"folder_id": "abc123"}

	_, err := r.Build(TypeGoogleDrive, config, nil)
	assert.True(t, errors.Is(err, api.ErrInvalidInput), "missing access_token")

	conn, err := r.Build(TypeGoogleDrive, config, map[string]string{"access_token": "ya29.token"})
	require.NoError(t, err)
	assert.Equal(t, TypeGoogleDrive, conn.Type())

	_, err = r.Build(TypeGoogleDrivePublic, config, nil)
	assert.True(t, errors.Is(err, api.ErrInvalidInput), "missing api_key")
}
