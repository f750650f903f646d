package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateFilePath(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"relative", "config.json", false},
		{"nested", "conf/app.toml", false},
		{"absolute", "/etc/sessionchat/config.toml", false},
		{"dots in name", "my..config.json", false},
		{"empty", "", true},
		{"traversal", "../config.json", true},
		{"inner traversal", "conf/../../etc/passwd", true},
		{"nul", "conf\x00.json", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateFilePath(tt.path)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateKeyFilePath(t *testing.T) {
	assert.NoError(t, ValidateKeyFilePath("keys/identity.pem"))
	assert.NoError(t, ValidateKeyFilePath("keys/identity.PEM"))
	assert.Error(t, ValidateKeyFilePath("keys/identity.key"))
	assert.Error(t, ValidateKeyFilePath("../identity.pem"))
}
