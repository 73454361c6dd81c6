package venue

import (
	"fmt"
	"os"
	"strings"
)

// Credentials is an immutable per-venue credential value. Loaded from
// the environment only; never from the yaml config.
type Credentials struct {
	Key    string
	Secret string
}

// LoadCredentials reads <VENUE>_API_KEY and <VENUE>_API_SECRET from the
// environment. A missing key is a ConfigurationError.
func LoadCredentials(venueName string) (Credentials, error) {
	prefix := strings.ToUpper(strings.ReplaceAll(venueName, "-", "_"))
	key := os.Getenv(prefix + "_API_KEY")
	if key == "" {
		return Credentials{}, &ConfigurationError{
			Reason: fmt.Sprintf("missing %s_API_KEY in environment", prefix),
		}
	}
	secret := os.Getenv(prefix + "_API_SECRET")
	if secret == "" {
		return Credentials{}, &ConfigurationError{
			Reason: fmt.Sprintf("missing %s_API_SECRET in environment", prefix),
		}
	}
	return Credentials{Key: key, Secret: secret}, nil
}
