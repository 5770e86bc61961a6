package app

import (
	"github.com/pkg/errors"

	"github.com/betbot/goderibit/pkg/config"
	"github.com/betbot/goderibit/pkg/secretstore"
)

// ResolveCredentials fills missing client credentials from the badger
// secret store when one is configured. Values already set win.
func ResolveCredentials(cfg *config.Config) error {
	if cfg.HasCredentials() || cfg.SecretStore.Path == "" {
		return nil
	}
	key, err := secretstore.ParseKey(cfg.SecretStore.Key)
	if err != nil {
		return errors.Wrap(err, "secret store key")
	}
	ss, err := secretstore.Open(secretstore.OpenOptions{
		Path:          cfg.SecretStore.Path,
		EncryptionKey: key,
		ReadOnly:      true,
	})
	if err != nil {
		return errors.Wrap(err, "open secret store")
	}
	defer ss.Close()

	creds, ok, err := ss.LoadCredentials()
	if err != nil {
		return errors.Wrap(err, "read secret store")
	}
	if !ok {
		log.Warnf("secret store %s has no credentials", cfg.SecretStore.Path)
		return nil
	}
	if cfg.Credentials.ClientID == "" {
		cfg.Credentials.ClientID = creds.ClientID
	}
	if cfg.Credentials.ClientSecret == "" {
		cfg.Credentials.ClientSecret = creds.ClientSecret
	}
	log.Infof("credentials loaded from secret store %s", cfg.SecretStore.Path)
	return nil
}
