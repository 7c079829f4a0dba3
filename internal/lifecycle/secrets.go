package lifecycle

import (
	"os"
	"regexp"

	"github.com/grimoirelabs/grimoire/pkg/models"
)

var placeholderRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ExpandSecrets returns a copy of the config with every ${VAR} placeholder
// in secret-bearing fields replaced from the process environment. Unset
// variables expand to the empty string. The catalog's copy keeps its
// placeholders; expansion happens only at connection time.
func ExpandSecrets(cfg *models.SpellConfig) *models.SpellConfig {
	cp := cfg.Clone()

	for k, v := range cp.Server.Env {
		cp.Server.Env[k] = expand(v)
	}
	for k, v := range cp.Server.Headers {
		cp.Server.Headers[k] = expand(v)
	}
	if auth := cp.Server.Auth; auth != nil {
		auth.Token = expand(auth.Token)
		auth.Username = expand(auth.Username)
		auth.Password = expand(auth.Password)
		auth.ClientID = expand(auth.ClientID)
		auth.ClientSecret = expand(auth.ClientSecret)
	}
	return cp
}

func expand(value string) string {
	return placeholderRe.ReplaceAllStringFunc(value, func(m string) string {
		name := m[2 : len(m)-1]
		return os.Getenv(name)
	})
}
