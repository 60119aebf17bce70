package config

import (
	"encoding/base64"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chmdznr/psync/pkg/errors"
)

func encode(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

func TestLoadCredentialsFromEnv(t *testing.T) {
	tests := []struct {
		name     string
		env      map[string]string
		expLogin Login
		expError bool
	}{
		{
			name:     "valid token",
			env:      map[string]string{"APP_TOKEN": encode("eds@example.org: s3cret:with:colons ")},
			expLogin: Login{Username: "eds@example.org", Password: "s3cret:with:colons"},
		},
		{
			name:     "unset",
			env:      map[string]string{},
			expError: true,
		},
		{
			name:     "not base64",
			env:      map[string]string{"APP_TOKEN": "%%%"},
			expError: true,
		},
		{
			name:     "missing colon",
			env:      map[string]string{"APP_TOKEN": encode("usernamepassword")},
			expError: true,
		},
		{
			name:     "empty password",
			env:      map[string]string{"APP_TOKEN": encode("user:")},
			expError: true,
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			lookup := func(key string) (string, bool) {
				v, ok := test.env[key]
				return v, ok
			}

			login, err := Credentials{Env: "APP_TOKEN"}.load(lookup)
			if test.expError {
				var configErr errors.ConfigError
				assert.True(t, errors.As(err, &configErr))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, test.expLogin, login)
		})
	}
}

func TestLoadCredentialsFromFile(t *testing.T) {
	fs = afero.NewMemMapFs()
	noEnv := func(string) (string, bool) { return "", false }

	require.NoError(t, afero.WriteFile(fs, "/auth.txt", []byte("eds@example.org\nhunter2\n"), 0600))
	login, err := Credentials{File: "/auth.txt", Env: "APP_TOKEN"}.load(noEnv)
	require.NoError(t, err)
	assert.Equal(t, Login{Username: "eds@example.org", Password: "hunter2"}, login)

	require.NoError(t, afero.WriteFile(fs, "/short.txt", []byte("eds@example.org\n"), 0600))
	_, err = Credentials{File: "/short.txt"}.load(noEnv)
	assert.Error(t, err)

	_, err = Credentials{File: "/missing.txt"}.load(noEnv)
	assert.Error(t, err)
}

func TestLoginString(t *testing.T) {
	assert.Equal(t, "eds:***", Login{Username: "eds", Password: "secret"}.String())
}
